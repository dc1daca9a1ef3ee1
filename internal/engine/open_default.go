//go:build !mdk_engine

package engine

// Open returns the engine backing the given database path. The default build
// carries no group engine implementation; the mdk_engine build tag selects a
// linked engine when one is vendored alongside this module.
func Open(dbPath string) (Engine, error) {
	return nil, ErrNotLinked
}
