/*
Package client is a Go client for the corral control interface.

It speaks HTTP/JSON over the daemon's Unix socket (or its TCP admin
address) and is what the corral CLI uses:

	c, err := client.NewClient("/run/corral/control.sock")
	if err != nil {
		return err
	}
	defer c.Close()

	cv, err := c.Submit(ctx, data, true)
	if errors.Is(err, types.ErrInvalidConfig) {
		var apiErr *api.Error
		errors.As(err, &apiErr)
		for _, p := range apiErr.Problems {
			fmt.Println(p)
		}
	}

Requests that fail because the daemon cannot be dialed (it is starting, or
the socket is being replaced) are retried with backoff a few times. Any
response from the daemon, including errors, is returned as is.
*/
package client
