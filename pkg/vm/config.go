package vm

// Default and limit values for the run configuration.
const (
	DefaultMaxCallDepth    = 64      // max call frames
	DefaultStackFrameSize  = 4096    // 4 KB per frame
	DefaultHeapSize        = 32768   // 32 KB heap
	MaxHeapSize            = 262144  // 256 KB heap ceiling
	DefaultMaxInstructions = 200_000 // per-run instruction budget

	// Longest program the verifier accepts, in instruction slots.
	DefaultMaxVerifierInstructions = 65536
)

// Config bounds a run. The zero value of any field selects the default.
type Config struct {
	MaxCallDepth    int    // call frames, including the root frame
	StackFrameSize  uint64 // bytes per stack frame
	HeapSize        uint64 // bytes of heap mapped per run
	MaxInstructions uint64 // instruction budget per run

	// MaxVerifierInstructions caps the program length the verifier accepts.
	MaxVerifierInstructions int
}

// DefaultConfig returns the standard limits.
func DefaultConfig() Config {
	return Config{
		MaxCallDepth:            DefaultMaxCallDepth,
		StackFrameSize:          DefaultStackFrameSize,
		HeapSize:                DefaultHeapSize,
		MaxInstructions:         DefaultMaxInstructions,
		MaxVerifierInstructions: DefaultMaxVerifierInstructions,
	}
}

// Normalize fills zero fields with defaults and clamps the heap size.
func (c Config) Normalize() Config {
	if c.MaxCallDepth == 0 {
		c.MaxCallDepth = DefaultMaxCallDepth
	}
	if c.StackFrameSize == 0 {
		c.StackFrameSize = DefaultStackFrameSize
	}
	if c.HeapSize == 0 {
		c.HeapSize = DefaultHeapSize
	}
	if c.HeapSize > MaxHeapSize {
		c.HeapSize = MaxHeapSize
	}
	if c.MaxInstructions == 0 {
		c.MaxInstructions = DefaultMaxInstructions
	}
	if c.MaxVerifierInstructions == 0 {
		c.MaxVerifierInstructions = DefaultMaxVerifierInstructions
	}
	return c
}
