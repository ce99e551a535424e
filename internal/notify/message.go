package notify

import (
	"fmt"
	"strings"
)

// FormatDeactivationMessage creates the body for a deactivated subscriber.
func FormatDeactivationMessage(url, reason string, cause error) string {
	var sb strings.Builder

	sb.WriteString(fmt.Sprintf("Subscriber: %s\n", url))
	sb.WriteString(fmt.Sprintf("Reason: %s", reason))
	if cause != nil {
		sb.WriteString(fmt.Sprintf("\n\nError: %v", cause))
	}
	sb.WriteString("\n\nRe-register the subscriber to resume delivery from its last cursor.")

	return sb.String()
}

// FormatIngestionFailureMessage creates the body for a fatal source failure.
func FormatIngestionFailureMessage(source string, lastHeight uint64, hasHeight bool, err error) string {
	var sb strings.Builder

	sb.WriteString(fmt.Sprintf("Source: %s\n", source))
	if hasHeight {
		sb.WriteString(fmt.Sprintf("Last committed height: %d", lastHeight))
	} else {
		sb.WriteString("Last committed height: none")
	}
	if err != nil {
		sb.WriteString(fmt.Sprintf("\n\nError: %v", err))
	}

	return sb.String()
}
