// Package discovery abstracts how seed addresses of a grid are provided.
package discovery

// Discovery returns the current seed addresses (host:port).
type Discovery interface {
	Seeds() []string
}
