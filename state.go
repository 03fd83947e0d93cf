package ds2480

import "time"

// Speed is the 1-Wire signalling speed class.
type Speed int

const (
	// Regular is the initial 1-Wire speed after any adapter reset.
	Regular Speed = iota
	// Flex is a slower, more tolerant timing set for noisy or long buses.
	Flex
	// Overdrive is the ~10x faster signalling mode; slaves must be
	// explicitly commanded into it first.
	Overdrive
)

func (s Speed) String() string {
	switch s {
	case Regular:
		return "regular"
	case Flex:
		return "flex"
	case Overdrive:
		return "overdrive"
	default:
		return "unknown speed"
	}
}

// PowerLevel is the adapter's current drive level on the 1-Wire line.
type PowerLevel int

const (
	// Normal is the idle, weak-pullup drive level.
	Normal PowerLevel = iota
	// StrongPullup actively drives the line high to power a slave through
	// an internal operation such as a temperature conversion or EEPROM
	// write.
	StrongPullup
	// Break is a forced 0V condition used to reset parasite-powered
	// slaves.
	Break
	// ProgramPulse is a 12V pulse used to commit an EPROM-based slave's
	// memory.
	ProgramPulse
)

func (p PowerLevel) String() string {
	switch p {
	case Normal:
		return "normal"
	case StrongPullup:
		return "strong pullup"
	case Break:
		return "break"
	case ProgramPulse:
		return "program pulse"
	default:
		return "unknown power level"
	}
}

// PowerArming selects when an armed power transition takes effect.
type PowerArming int

const (
	// ArmNow applies the power transition immediately.
	ArmNow PowerArming = iota
	// ArmAfterNextBit applies it on the next bit primitive.
	ArmAfterNextBit
	// ArmAfterNextByte applies it on the next byte primitive.
	ArmAfterNextByte
)

// speedParams holds the DS2480B timing parameters for one speed class:
// pulldown slew rate code, write-1-low time code, and sample-offset code.
type speedParams struct {
	slew        byte
	write1Low   byte
	sampleOffset byte
}

// defaultParamTable holds the three standard DS2480B parameter sets (regular,
// flex, overdrive); see §4.1/§1 Non-goals — no vendor-specific tuning tables
// beyond these three.
var defaultParamTable = map[Speed]speedParams{
	Regular:   {slew: 0x0, write1Low: 0x5, sampleOffset: 0x7},
	Flex:      {slew: 0x5, write1Low: 0x7, sampleOffset: 0xF},
	Overdrive: {slew: 0x7, write1Low: 0x1, sampleOffset: 0x3},
}

// searchCursor is the 1-Wire triplet search's persistent walk state (Dallas
// Appnote 187).
type searchCursor struct {
	lastRom               RomAddress
	lastDiscrepancy       int
	lastFamilyDiscrepancy int
	done                  bool
}

func (c *searchCursor) reset() {
	*c = searchCursor{}
}

// AdapterState is the mutable, process-scoped state of one open adapter. All
// mutation happens under the owning Handle's ExclusiveLock.
type AdapterState struct {
	baud  int
	speed Speed
	power PowerLevel

	armOnNextBit  bool
	armOnNextByte bool
	arming        PowerArming
	// armedPulseType records which pulse (power or program) fires when
	// armOnNextBit/armOnNextByte next triggers; set by startPulse
	// whenever it defers rather than applying immediately.
	armedPulseType pulseType

	paramTable map[Speed]speedParams

	revisionByte byte

	powerDuration   time.Duration
	programDuration time.Duration

	cursor searchCursor

	includeFamilies   map[byte]bool
	excludeFamilies   map[byte]bool
	onlyAlarming      bool
	skipResetOnSearch bool

	// needsVerify is set on any timeout; the next operation must
	// re-run master-reset + verify before proceeding (§5, §7).
	needsVerify bool
}

func newAdapterState() *AdapterState {
	table := make(map[Speed]speedParams, len(defaultParamTable))
	for k, v := range defaultParamTable {
		table[k] = v
	}
	return &AdapterState{
		baud:            9600,
		speed:           Regular,
		power:           Normal,
		paramTable:      table,
		powerDuration:   500 * time.Millisecond,
		programDuration: 1 * time.Millisecond,
		includeFamilies: map[byte]bool{},
		excludeFamilies: map[byte]bool{},
	}
}
