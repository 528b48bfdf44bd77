//go:build !linux

package mediasession

// NewMPRISBridge is only available on Linux; other platforms fall back
// to the in-process bridge.
func NewMPRISBridge(_, _ string) (Bridge, error) {
	return NewChannelBridge(), nil
}
