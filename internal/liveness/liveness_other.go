//go:build !unix

package liveness

func platformDefault() Prober {
	return Process{}
}
