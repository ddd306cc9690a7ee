package stream

import (
	"encoding/json"
	"fmt"

	"github.com/shopspring/decimal"

	"cryptosignal/internal/model"
)

// klineMsg is the Binance kline stream message envelope.
type klineMsg struct {
	EventType string `json:"e"`
	EventTime int64  `json:"E"`
	Symbol    string `json:"s"`
	Kline     struct {
		OpenTime    int64  `json:"t"`
		CloseTime   int64  `json:"T"`
		Interval    string `json:"i"`
		Open        string `json:"o"`
		High        string `json:"h"`
		Low         string `json:"l"`
		Close       string `json:"c"`
		Volume      string `json:"v"`
		QuoteVolume string `json:"q"`
		Trades      int64  `json:"n"`
		IsClosed    bool   `json:"x"`
	} `json:"k"`
}

// envelope covers combined-stream wrappers and control responses.
type envelope struct {
	Stream string          `json:"stream"`
	Data   json.RawMessage `json:"data"`
	ID     *int64          `json:"id"`
	Result json.RawMessage `json:"result"`
	Error  *struct {
		Code int    `json:"code"`
		Msg  string `json:"msg"`
	} `json:"error"`
}

// ParseMessage decodes one frame. ok is false for frames that carry no
// kline (subscription acks, other event types); err is set only for frames
// that look like klines but fail validation.
func ParseMessage(raw []byte) (tick model.Tick, ok bool, err error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return model.Tick{}, false, fmt.Errorf("%w: %v", model.ErrDataValidation, err)
	}
	if env.Error != nil {
		return model.Tick{}, false, fmt.Errorf("exchange error %d: %s", env.Error.Code, env.Error.Msg)
	}
	if env.ID != nil {
		return model.Tick{}, false, nil // control response
	}
	payload := raw
	if len(env.Data) > 0 {
		payload = env.Data
	}

	var m klineMsg
	if err := json.Unmarshal(payload, &m); err != nil {
		return model.Tick{}, false, fmt.Errorf("%w: %v", model.ErrDataValidation, err)
	}
	if m.EventType != "kline" {
		return model.Tick{}, false, nil
	}

	k := m.Kline
	tf, err := model.ParseTimeframe(k.Interval)
	if err != nil {
		return model.Tick{}, false, fmt.Errorf("%w: %v", model.ErrDataValidation, err)
	}
	tick = model.Tick{
		Symbol:     m.Symbol,
		Timeframe:  tf,
		EventTime:  m.EventTime,
		OpenTime:   k.OpenTime,
		TradeCount: k.Trades,
		Closed:     k.IsClosed,
	}
	fields := []struct {
		src string
		dst *decimal.Decimal
	}{
		{k.Open, &tick.Open}, {k.High, &tick.High}, {k.Low, &tick.Low},
		{k.Close, &tick.Close}, {k.Volume, &tick.Volume}, {k.QuoteVolume, &tick.QuoteVolume},
	}
	for _, f := range fields {
		if f.src == "" {
			continue
		}
		v, err := decimal.NewFromString(f.src)
		if err != nil {
			return model.Tick{}, false, fmt.Errorf("%w: %s %q", model.ErrDataValidation, m.Symbol, f.src)
		}
		*f.dst = v
	}
	if err := tick.Validate(); err != nil {
		return model.Tick{}, false, err
	}
	return tick, true, nil
}
