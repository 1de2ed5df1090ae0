// utils/http.go
package utils

import (
	"net/http"
	"time"
)

// Shared client for outbound collaborator calls that don't need their own
// timeout policy.
var HTTPClient = &http.Client{
	Timeout: 30 * time.Second,
}
