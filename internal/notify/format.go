package notify

import (
	"fmt"
	"maps"
	"slices"
	"strings"
)

// Describe renders an engine event as a notification title and body. Known
// events get a one-line summary; every field follows as key=value.
func Describe(coin, event string, fields map[string]any) (string, string) {
	title := fmt.Sprintf("[flashbot %s] %s", coin, event)

	var b strings.Builder
	switch event {
	case "trade_opened":
		fmt.Fprintf(&b, "BUY %v @ %.4f x %.2f\n", fields["side"], num(fields["entry_price"]), num(fields["size"]))
	case "trade_closed", "trade_partially_closed":
		fmt.Fprintf(&b, "SELL %v @ %.4f PnL %+.4f (%v)\n",
			fields["side"], num(fields["exit_price"]), num(fields["pnl"]), fields["reason"])
	case "kill_switch_triggered":
		fmt.Fprintf(&b, "HALTED: %v\n", fields["reason"])
	}
	for _, k := range slices.Sorted(maps.Keys(fields)) {
		fmt.Fprintf(&b, "%s=%v\n", k, fields[k])
	}
	return title, strings.TrimRight(b.String(), "\n")
}

func num(v any) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case int:
		return float64(n)
	}
	return 0
}
