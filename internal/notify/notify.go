// Package notify delivers operational notices — waiting-queue digests
// and auto-termination reports — to chat channels. Delivery is best
// effort: a failed notice is logged, never propagated.
package notify

// Adapter posts a notice to one destination.
type Adapter interface {
	Name() string
	Notify(text string) error
}
