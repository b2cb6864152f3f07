// Package httputil provides HTTP helpers shared by registry transports.
//
// # Retry
//
// [Retry] re-runs an operation with exponential backoff, but only for errors
// wrapped with [RetryableError]:
//
//	err := httputil.Retry(ctx, 3, time.Second, func() error {
//	    resp, err := client.Do(req)
//	    if err != nil {
//	        return httputil.Retryable(err) // connection failures are transient
//	    }
//	    ...
//	})
//
// Transports mark network errors and 5xx responses as retryable; 4xx
// responses are returned immediately. Registry fetches use [RetryOnce], so a
// transient failure is retried at most one time before it propagates.
//
// # Clients
//
// [NewClient] returns an *http.Client with the default request timeout.
package httputil
