// Package sign provides the key material abstraction used by in-process wallet
// backends.
//
// A Signer never exposes its private key. Callers either sign a prepared digest
// with Sign or a human-readable message with SignMessage, which applies the
// wallet message prefix before hashing:
//
//	signer, err := sign.NewEthereumSigner(privateKeyHex)
//	if err != nil {
//	    return err
//	}
//	sig, err := signer.SignMessage([]byte("login to app.example"))
//	if err != nil {
//	    return err
//	}
//	addr, err := sign.RecoverMessageSigner([]byte("login to app.example"), sig)
//
// MockSigner produces deterministic signatures for tests and the conformance run.
package sign
