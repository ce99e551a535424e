package config

// Source types
const (
	SourceWebsocket = "websocket"
	SourceLogTail   = "logtail"
)

// Gap policies
const (
	GapClamp = "clamp"
	GapFail  = "fail"
)

// Cursor handling on version upgrade
const (
	UpgradeKeep  = "keep"
	UpgradeReset = "reset"
)

// ValidChoices lists the accepted values for each enumerated key
var ValidChoices = map[string][]string{
	"source.type":             {SourceWebsocket, SourceLogTail},
	"push.gap_policy":         {GapClamp, GapFail},
	"registry.upgrade_cursor": {UpgradeKeep, UpgradeReset},
	"logging.level":           {"debug", "info", "warn", "error"},
}

// ValidItemKinds lists the storage item kinds the decoder understands
var ValidItemKinds = map[string]bool{
	"value": true,
	"map":   true,
}
