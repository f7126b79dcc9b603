// Package pan is the shared kernel of the wopan gateway: global
// configuration, logging and error classification used by the upstream
// adapter, the token pool, the upload orchestrator and the HTTP layer.
package pan

import "io"

// Version of the wopan gateway.
const Version = "v1.0.0"

// ServiceName is reported by the /health endpoint.
const ServiceName = "wopan-gateway"

// CheckClose is a utility function used to check the return from
// Close in a defer statement.
func CheckClose(c io.Closer, err *error) {
	cerr := c.Close()
	if *err == nil {
		*err = cerr
	}
}
