// Package client provides the Go SDK for the sessiond HTTP control surface.
// It mirrors the CLI's remote commands while exposing typed requests and
// responses from package api.
//
// # Quick start
//
//	ctx := context.Background()
//	cli, err := client.New("http://127.0.0.1:9361")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if _, err := cli.StartWorker(ctx, "w1"); err != nil {
//	    if client.IsSessionConflict(err) {
//	        log.Printf("identity is busy elsewhere")
//	    }
//	}
//
// Every call carries a correlation id. Use WithCorrelationID on the context
// to pick one; otherwise the server assigns one and echoes it in the
// X-Correlation-Id response header.
package client
