package signal

import (
	"fmt"
	"html"
	"sort"
	"strings"

	"cryptosignal/internal/indicator"
	"cryptosignal/internal/model"
)

// ActionMenu is the action reference attached to every signal message.
const ActionMenu = "main_menu"

var emojis = map[model.SignalType]string{
	model.SignalRSIOversoldStrong:   "🔴",
	model.SignalRSIOversoldMedium:   "🟠",
	model.SignalRSIOversoldNormal:   "🟡",
	model.SignalRSIOverboughtNormal: "🟡",
	model.SignalRSIOverboughtMedium: "🟠",
	model.SignalRSIOverboughtStrong: "🔴",
	model.SignalEMACrossUp:          "🚀",
	model.SignalEMACrossDown:        "💥",
}

var labels = map[model.SignalType]string{
	model.SignalRSIOversoldStrong:   "strong oversold",
	model.SignalRSIOversoldMedium:   "oversold",
	model.SignalRSIOversoldNormal:   "approaching oversold",
	model.SignalRSIOverboughtNormal: "approaching overbought",
	model.SignalRSIOverboughtMedium: "overbought",
	model.SignalRSIOverboughtStrong: "strong overbought",
	model.SignalEMACrossUp:          "EMA bullish cross",
	model.SignalEMACrossDown:        "EMA bearish cross",
}

// Emoji returns the marker for typ.
func Emoji(typ model.SignalType) string {
	if e, ok := emojis[typ]; ok {
		return e
	}
	return "📊"
}

// Render builds the Telegram HTML body for one event. cross is set for
// EMA crossover events.
func Render(ev model.SignalEvent, snap indicator.Snapshot, cross *indicator.Crossover) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s <b>%s</b> - %s\n", Emoji(ev.Type), html.EscapeString(ev.Symbol), ev.Timeframe)
	fmt.Fprintf(&b, "💰 Price: <b>$%s</b>\n", snap.Price.String())

	if cross != nil {
		verb := "above"
		if cross.Direction == indicator.CrossBearish {
			verb = "below"
		}
		fmt.Fprintf(&b, "%s EMA%d crossed %s EMA%d\n", Emoji(ev.Type), cross.Pair.Short, verb, cross.Pair.Long)
	}
	if snap.RSI.Ready {
		fmt.Fprintf(&b, "📊 RSI: <b>%.1f</b>", snap.RSI.Value)
		if cross == nil {
			fmt.Fprintf(&b, " (%s)", labels[ev.Type])
		}
		b.WriteByte('\n')
	}
	if line := trendLine(snap); line != "" {
		b.WriteString(line)
		b.WriteByte('\n')
	}
	if snap.Live {
		b.WriteString("<i>candle still forming</i>\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

// trendLine compares price with the two shortest ready EMAs.
func trendLine(snap indicator.Snapshot) string {
	periods := make([]int, 0, len(snap.EMA))
	for p, r := range snap.EMA {
		if r.Ready {
			periods = append(periods, p)
		}
	}
	if len(periods) < 2 {
		return ""
	}
	sort.Ints(periods)
	fast, slow := snap.EMA[periods[0]].Value, snap.EMA[periods[1]].Value
	price := snap.Price.InexactFloat64()

	switch {
	case price > fast && fast > slow:
		return fmt.Sprintf("🐂 Trend: bullish (EMA%d %s > EMA%d %s)", periods[0], fmtFloat(fast), periods[1], fmtFloat(slow))
	case price < fast && fast < slow:
		return fmt.Sprintf("🐻 Trend: bearish (EMA%d %s < EMA%d %s)", periods[0], fmtFloat(fast), periods[1], fmtFloat(slow))
	}
	return fmt.Sprintf("➡️ Trend: sideways (EMA%d %s, EMA%d %s)", periods[0], fmtFloat(fast), periods[1], fmtFloat(slow))
}

func fmtFloat(v float64) string {
	switch {
	case v >= 1000:
		return fmt.Sprintf("%.2f", v)
	case v >= 1:
		return fmt.Sprintf("%.4f", v)
	}
	return fmt.Sprintf("%.8f", v)
}
