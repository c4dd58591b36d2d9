// Package client is the Go SDK for a provider-ledger peer.
//
// Every call goes through the peer's HTTP surface. Write operations return
// once the transaction has been committed in a block, so the returned
// Provider is the committed value.
//
//	c, err := client.New("http://localhost:8080",
//	    client.WithStaleReadRetries(3),
//	)
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	p, err := c.Register(ctx, &client.Registration{
//	    Email:        "ada@example.org",
//	    FirstName:    "Ada",
//	    LastName:     "Lovelace",
//	    ProviderType: "PHYSICIAN",
//	})
//
// # Errors
//
// A rejected operation returns an *APIError carrying one of the Code
// constants. StaleRead means another transaction committed a conflicting
// write first; it is safe to resubmit, which WithStaleReadRetries does
// automatically.
//
//	if client.CodeOf(err) == client.CodeNotFound {
//	    // ...
//	}
//
// # Queries
//
//	res, err := c.Search(ctx, client.And(
//	    client.Eq("verificationStatus", client.VerificationVerified),
//	    client.Eq("providerType", "NURSE"),
//	), 50, 0)
//
// History returns every committed version of a provider, and VerifyLedger
// walks the peer's history hash chain.
package client
