package risk

import (
	"fmt"
	"strings"
	"time"
)

var operationHeaders = map[OperationType]string{
	OpDeleteRepo:   "\U0001F534 DELETE REPOSITORY",
	OpForcePush:    "⚠️ FORCE PUSH",
	OpMerge:        "\U0001F500 MERGE",
	OpBranchDelete: "\U0001F5D1️ DELETE BRANCH",
	OpArchive:      "\U0001F4E6 ARCHIVE REPO",
}

const defaultOperationHeader = "⚠️ GITHUB OPERATION"

// HumanPreview renders the operator-facing preview text shown before a
// change is approved, matching the provider-specific header, risk band, and
// reasons list a reviewer sees in the approval UI and in Slack (spec.md
// §4.4, §4.8).
func HumanPreview(in Input, target, title string, lastEdit time.Time, normalizedScore float64, reasons []string) string {
	header, ok := operationHeaders[in.Operation]
	if !ok {
		header = defaultOperationHeader
	}

	var b strings.Builder
	b.WriteString(header)
	b.WriteString("\n")
	fmt.Fprintf(&b, "%s: %s\n", target, title)
	if !lastEdit.IsZero() {
		fmt.Fprintf(&b, "Last activity: %s\n", lastEdit.Format("2006-01-02 15:04 MST"))
	}

	band := "LOW"
	switch {
	case normalizedScore > 0.5:
		band = "HIGH"
	case normalizedScore > 0.2:
		band = "MEDIUM"
	}
	fmt.Fprintf(&b, "Risk Score: %.2f (%s)\n", normalizedScore, band)

	if len(reasons) > 0 {
		fmt.Fprintf(&b, "Reasons: %s\n", strings.Join(reasons, ", "))
	}

	return b.String()
}
