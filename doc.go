// Package mtproto implements the client core of an MTProto-style encrypted
// RPC protocol: key negotiation against untrusted servers, the encrypted
// transport envelope, and the session engine that batches, orders and
// retries queries.
//
// The package layering mirrors the protocol's own:
//
//   - tl holds the binary serialization primitives.
//   - crypto holds the key-derivation functions, AES-IGE, the
//     Diffie-Hellman checks and the padded RSA encryption used during
//     handshakes.
//   - transport frames payloads into encrypted packets and owns the socket.
//   - handshake negotiates permanent and temporary authorization keys.
//   - session tracks message ids, salts and sequence numbers, and runs the
//     protocol engine that speaks the service-message vocabulary.
//   - scheduler orders queries across sessions through declared chains.
//   - config loads the TOML configuration the client consumes.
//
// This root package ties them into a Client:
//
//	conf, err := config.Load("client.toml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	client, err := mtproto.NewClient(conf, nil)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if err := client.Connect(ctx); err != nil {
//	    log.Fatal(err)
//	}
//	defer client.Close()
//
//	result, err := client.Invoke(ctx, payload)
//
// Queries submitted with shared chain identifiers execute on the server in
// submission order; independent queries run concurrently.
package mtproto
