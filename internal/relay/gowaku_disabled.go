//go:build !real_waku

package relay

func newGoWakuBackend() wakuBackend {
	return nil
}
