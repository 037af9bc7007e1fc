package quota

import (
	"fmt"
	"io"
	"strings"
)

// BlockMessage renders the operator-facing refusal for allowed=false.
func (d Decision) BlockMessage() string {
	b := &strings.Builder{}
	fmt.Fprintf(b, "access blocked by quota policy (%s)", d.Reason)
	if d.Message != "" {
		fmt.Fprintf(b, ": %s", d.Message)
	}
	if d.Policy != nil {
		fmt.Fprintf(b, "\n  policy: %s/%s", d.Policy.Type, d.Policy.Identifier)
	}
	if d.Usage != nil {
		fmt.Fprintf(b, "\n  monthly: %d/%d tokens (%.0f%%)", d.Usage.MonthlyTokens, d.Usage.MonthlyLimit, d.Usage.MonthlyPercent)
		fmt.Fprintf(b, "\n  daily:   %d/%d tokens (%.0f%%)", d.Usage.DailyTokens, d.Usage.DailyLimit, d.Usage.DailyPercent)
	}
	return b.String()
}

// WarnIfNearLimit prints a non-blocking warning when server-reported usage
// crosses the threshold. Execution continues normally.
func (d Decision) WarnIfNearLimit(w io.Writer) {
	if !d.Allowed || d.Usage == nil {
		return
	}
	if d.Usage.MonthlyPercent >= warnThresholdPercent {
		fmt.Fprintf(w, "warning: monthly token usage at %.0f%% of limit\n", d.Usage.MonthlyPercent)
	}
	if d.Usage.DailyPercent >= warnThresholdPercent {
		fmt.Fprintf(w, "warning: daily token usage at %.0f%% of limit\n", d.Usage.DailyPercent)
	}
	if d.Message != "" && (d.Usage.MonthlyPercent >= warnThresholdPercent || d.Usage.DailyPercent >= warnThresholdPercent) {
		fmt.Fprintf(w, "  %s\n", d.Message)
	}
}
