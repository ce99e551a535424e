package config

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/dgnsrekt/storage-relay/internal/block"
	"github.com/dgnsrekt/storage-relay/internal/decode"
)

// InvalidChoice represents an enumerated key set to an unknown value
type InvalidChoice struct {
	Key   string
	Value string
}

// InvalidItem represents a decoder table entry that cannot be used
type InvalidItem struct {
	Index   int
	Name    string
	Problem string
}

// ValidationErrors collects all validation errors
type ValidationErrors struct {
	InvalidChoices []InvalidChoice
	InvalidValues  []string
	InvalidItems   []InvalidItem
}

// HasErrors returns true if any validation errors exist
func (e *ValidationErrors) HasErrors() bool {
	return len(e.InvalidChoices) > 0 || len(e.InvalidValues) > 0 || len(e.InvalidItems) > 0
}

// Error formats all validation errors into a clear message
func (e *ValidationErrors) Error() string {
	var sb strings.Builder
	sb.WriteString("configuration validation failed:\n")

	if len(e.InvalidChoices) > 0 {
		sb.WriteString("\nInvalid choices:\n")
		for _, c := range e.InvalidChoices {
			sb.WriteString(fmt.Sprintf("  - %s: %q (valid: %s)\n",
				c.Key, c.Value, strings.Join(ValidChoices[c.Key], ", ")))
		}
	}

	if len(e.InvalidValues) > 0 {
		sb.WriteString("\nInvalid values:\n")
		for _, v := range e.InvalidValues {
			sb.WriteString(fmt.Sprintf("  - %s\n", v))
		}
	}

	if len(e.InvalidItems) > 0 {
		sb.WriteString("\nInvalid decoder items:\n")
		for _, it := range e.InvalidItems {
			sb.WriteString(fmt.Sprintf("  - items[%d] %q: %s\n", it.Index, it.Name, it.Problem))
		}
		sb.WriteString(fmt.Sprintf("\nValid codecs: %s\n", strings.Join(decode.CodecNames(), ", ")))
	}

	return sb.String()
}

// Validate checks every section and reports all problems at once
func (c *Config) Validate() error {
	errs := &ValidationErrors{}

	errs.choice("source.type", c.Source.Type)
	errs.choice("push.gap_policy", c.Push.GapPolicy)
	errs.choice("registry.upgrade_cursor", c.Registry.UpgradeCursor)
	errs.choice("logging.level", c.Logging.Level)

	if c.Server.Addr == "" {
		errs.value("server.addr is required")
	}
	if c.Server.ReadTimeout < 0 || c.Server.WriteTimeout < 0 {
		errs.value("server timeouts must not be negative")
	}

	switch c.Source.Type {
	case SourceWebsocket:
		if u, err := url.Parse(c.Source.URL); err != nil || (u.Scheme != "ws" && u.Scheme != "wss") {
			errs.value(fmt.Sprintf("source.url must be a ws:// or wss:// URL, got %q", c.Source.URL))
		}
		if c.Source.SubscribeMethod == "" {
			errs.value("source.subscribe_method is required")
		}
	case SourceLogTail:
		if c.Source.LogDir == "" {
			errs.value("source.log_dir is required")
		}
	}
	if c.Source.PollInterval < 0 {
		errs.value("source.poll_interval must not be negative")
	}

	if c.Push.Method == "" {
		errs.value("push.method is required")
	}
	if c.Push.ChunkSize < 1 {
		errs.value("push.chunk_size must be >= 1")
	}
	if c.Push.RetryCount < 1 {
		errs.value("push.retry_count must be >= 1")
	}
	if c.Push.RetryInterval < 0 || c.Push.Timeout < 0 {
		errs.value("push intervals must not be negative")
	}
	if c.Push.RatePerSecond < 0 {
		errs.value("push.rate_per_second must not be negative")
	}

	if c.Registry.StateFile == "" {
		errs.value("registry.state_file is required")
	}
	if c.Registry.PersistInterval <= 0 {
		errs.value("registry.persist_interval must be positive")
	}

	if err := c.Notify.Validate(); err != nil {
		errs.value(err.Error())
	}

	validateItems(errs, c.Decoder.Items)

	if errs.HasErrors() {
		return errs
	}
	return nil
}

func validateItems(errs *ValidationErrors, items []decode.Item) {
	if len(items) == 0 {
		errs.value("decoder.items must list at least one storage item")
		return
	}

	seen := make(map[string]bool, len(items))
	for i, item := range items {
		invalid := func(problem string) {
			errs.InvalidItems = append(errs.InvalidItems, InvalidItem{Index: i, Name: item.Name, Problem: problem})
		}

		if item.Name == "" {
			invalid("name is required")
		} else if seen[item.Name] {
			invalid("duplicate name")
		}
		seen[item.Name] = true

		if item.KeyPrefix == "" {
			invalid("key_prefix is required")
		} else if _, err := block.DecodeHex(item.KeyPrefix); err != nil {
			invalid(fmt.Sprintf("key_prefix is not hex: %v", err))
		}
		if !ValidItemKinds[item.Kind] {
			invalid(fmt.Sprintf("unknown kind %q (valid: value, map)", item.Kind))
		}
		if !decode.HasCodec(item.Codec) {
			invalid(fmt.Sprintf("unknown codec %q", item.Codec))
		}
	}
}

func (e *ValidationErrors) choice(key, value string) {
	for _, v := range ValidChoices[key] {
		if v == value {
			return
		}
	}
	e.InvalidChoices = append(e.InvalidChoices, InvalidChoice{Key: key, Value: value})
}

func (e *ValidationErrors) value(msg string) {
	e.InvalidValues = append(e.InvalidValues, msg)
}
