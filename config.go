package palloc

import (
	"errors"
	"log/slog"
	"runtime"

	"github.com/holmberd/go-palloc/internal/heap"
)

type Config struct {
	// MaxBundleBlocks and MaxBundleBytes bound a cache's partial bundle;
	// exceeding either turns it into the full bundle.
	MaxBundleBlocks int
	MaxBundleBytes  int

	// RecyclerSlots is the number of spare-bundle slots per size class shared
	// across caches.
	RecyclerSlots int

	// Shards is the number of internal caches the allocator fans facade calls
	// out over. 0 uses GOMAXPROCS rounded up to a power of two.
	Shards int

	// Canary enables free-header canary words, detecting writes through freed
	// blocks at the cost of four extra header bytes per free block.
	Canary bool

	// Logger receives operational events. Defaults to slog.Default().
	Logger *slog.Logger

	// OnOutOfMemory is invoked when Malloc or Realloc cannot be satisfied.
	// It must not return; the default logs a diagnostic and panics.
	// TryMalloc and TryRealloc never invoke it.
	OnOutOfMemory func(size, align int)
}

func (c Config) Validate() error {
	var errs []error
	if c.Shards < 0 {
		errs = append(errs, errors.New("invalid config: Shards must not be negative"))
	}
	if err := c.heapConfig().Validate(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (c Config) heapConfig() heap.Config {
	return heap.Config{
		MaxBundleBlocks: c.MaxBundleBlocks,
		MaxBundleBytes:  c.MaxBundleBytes,
		RecyclerSlots:   c.RecyclerSlots,
		Canary:          c.Canary,
	}
}

func DefaultConfig() Config {
	hc := heap.DefaultConfig()
	return Config{
		MaxBundleBlocks: hc.MaxBundleBlocks,
		MaxBundleBytes:  hc.MaxBundleBytes,
		RecyclerSlots:   hc.RecyclerSlots,
		Shards:          0, // Use GOMAXPROCS.
		Canary:          false,
	}
}

func shardCount(configured int) int {
	n := configured
	if n <= 0 {
		n = runtime.GOMAXPROCS(0)
	}
	// Round up to a power of two for unbiased masking.
	p := 1
	for p < n {
		p <<= 1
	}
	return p
}
