package indicator

// Cross is the direction of a moving-average crossover.
type Cross int

const (
	CrossNone Cross = iota
	CrossBullish
	CrossBearish
)

func (c Cross) String() string {
	switch c {
	case CrossBullish:
		return "bullish"
	case CrossBearish:
		return "bearish"
	}
	return "none"
}

// DetectCross compares the previous and current points of a short and a
// long series. Bullish when short moves from at-or-below long to above it,
// bearish for the reverse.
func DetectCross(shortPrev, shortCur, longPrev, longCur float64) Cross {
	switch {
	case shortPrev <= longPrev && shortCur > longCur:
		return CrossBullish
	case shortPrev >= longPrev && shortCur < longCur:
		return CrossBearish
	}
	return CrossNone
}

// CrossPair names two EMA periods whose crossover is tracked.
type CrossPair struct {
	Short int `json:"short" yaml:"short"`
	Long  int `json:"long" yaml:"long"`
}

// Crossover is a detected cross on a closed candle.
type Crossover struct {
	Pair      CrossPair `json:"pair"`
	Direction Cross     `json:"direction"`
}
