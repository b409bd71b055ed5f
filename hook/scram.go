package hook

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/pbkdf2"
)

// ScramMethod is the AUTH-packet AuthenticationMethod value this broker
// recognizes for MQTT 5 extended authentication.
const ScramMethod = "SCRAM-SHA-256"

// DefaultScramIterations is the PBKDF2 round count used when provisioning a
// new credential; 4096 matches RFC 5802's own worked example and is the
// floor RFC 7677 recommends for SCRAM-SHA-256.
const DefaultScramIterations = 4096

var (
	ErrScramUnknownUser   = errors.New("scram: unknown user")
	ErrScramMalformed     = errors.New("scram: malformed message")
	ErrScramNonceMismatch = errors.New("scram: client nonce mismatch in final message")
	ErrScramBadProof      = errors.New("scram: client proof verification failed")
)

// ScramCredential is what a credential store hands back for a username.
// StoredKey and ServerKey are derived once at provisioning time per RFC
// 5802 section 3; the broker never keeps the plaintext password or the
// intermediate SaltedPassword around after DeriveScramCredential returns.
type ScramCredential struct {
	Salt       []byte
	Iterations int
	StoredKey  []byte // H(ClientKey)
	ServerKey  []byte // HMAC(SaltedPassword, "Server Key")
}

// DeriveScramCredential computes the record to persist for a username given
// its password, salt, and iteration count, following RFC 5802 exactly.
func DeriveScramCredential(password string, salt []byte, iterations int) ScramCredential {
	salted := pbkdf2.Key([]byte(password), salt, iterations, sha256.Size, sha256.New)
	clientKey := scramHMAC(salted, []byte("Client Key"))
	storedKey := sha256.Sum256(clientKey)
	serverKey := scramHMAC(salted, []byte("Server Key"))
	return ScramCredential{Salt: salt, Iterations: iterations, StoredKey: storedKey[:], ServerKey: serverKey}
}

func scramHMAC(key, data []byte) []byte {
	h := hmac.New(sha256.New, key)
	h.Write(data)
	return h.Sum(nil)
}

// ScramCredentialStore resolves a username to its provisioned credential.
type ScramCredentialStore interface {
	ScramCredential(username string) (ScramCredential, bool)
}

// MapScramStore is the simplest ScramCredentialStore, a plain username map.
type MapScramStore map[string]ScramCredential

func (m MapScramStore) ScramCredential(username string) (ScramCredential, bool) {
	c, ok := m[username]
	return c, ok
}

// TracedRNG wraps an io.Reader of cryptographic randomness and records every
// byte sequence it hands out, so a test can replay a SCRAM exchange without
// mocking crypto/rand.Reader globally. Production callers pass rand.Reader
// in through NewScramServer directly and never look at the trace.
type TracedRNG struct {
	source io.Reader
	trace  [][]byte
}

// NewTracedRNG wraps source, or crypto/rand.Reader if source is nil.
func NewTracedRNG(source io.Reader) *TracedRNG {
	if source == nil {
		source = rand.Reader
	}
	return &TracedRNG{source: source}
}

func (t *TracedRNG) Read(p []byte) (int, error) {
	n, err := t.source.Read(p)
	if n > 0 {
		cp := make([]byte, n)
		copy(cp, p[:n])
		t.trace = append(t.trace, cp)
	}
	return n, err
}

// Trace returns every byte slice this TracedRNG has handed out so far, in
// order, so a test can reconstruct the exact nonce the server generated.
func (t *TracedRNG) Trace() [][]byte { return t.trace }

// ScramServer drives one connection's server side of a SCRAM-SHA-256
// exchange across the two AUTH round-trips MQTT 5 extended authentication
// uses: client-first -> server-first, then client-final -> server-final.
// It is instantiated fresh per CONNECT/AUTH sequence and discarded once the
// exchange reaches ScramDone or fails; the coarser ScramStage that gates
// whether an AUTH packet is even expected lives on the session, not here.
type ScramServer struct {
	store ScramCredentialStore
	rng   io.Reader

	username    string
	cred        ScramCredential
	serverNonce string
	authMsg     string
}

// NewScramServer builds a ScramServer resolving usernames against store,
// using rng for server-nonce generation (rand.Reader if rng is nil).
func NewScramServer(store ScramCredentialStore, rng io.Reader) *ScramServer {
	if rng == nil {
		rng = rand.Reader
	}
	return &ScramServer{store: store, rng: rng}
}

// ClientFirst consumes the client-first-message (gs2-header plus
// n=user,r=nonce) and returns the server-first-message
// (r=nonce,s=salt,i=iterations), binding username and nonce for the rest of
// the exchange. The caller advances the session's ScramState to
// ScramAwaitingClientFinal on success.
func (s *ScramServer) ClientFirst(msg []byte) ([]byte, error) {
	bare, err := stripGS2Header(string(msg))
	if err != nil {
		return nil, err
	}
	attrs := parseScramAttrs(bare)
	username, ok := attrs["n"]
	if !ok || username == "" {
		return nil, ErrScramMalformed
	}
	clientNonce, ok := attrs["r"]
	if !ok || clientNonce == "" {
		return nil, ErrScramMalformed
	}

	cred, ok := s.store.ScramCredential(username)
	if !ok {
		return nil, ErrScramUnknownUser
	}

	nonceSuffix := make([]byte, 18)
	if _, err := io.ReadFull(s.rng, nonceSuffix); err != nil {
		return nil, err
	}

	s.username = username
	s.cred = cred
	s.serverNonce = clientNonce + base64.RawStdEncoding.EncodeToString(nonceSuffix)
	s.authMsg = bare

	serverFirst := fmt.Sprintf("r=%s,s=%s,i=%d", s.serverNonce, base64.StdEncoding.EncodeToString(cred.Salt), cred.Iterations)
	s.authMsg += "," + serverFirst
	return []byte(serverFirst), nil
}

// ClientFinal consumes the client-final-message (c=biws,r=nonce,p=proof),
// verifies ClientProof against the credential's StoredKey, and returns the
// server-final-message (v=serversignature) on success. The caller advances
// the session's ScramState to ScramDone only once this returns nil error.
func (s *ScramServer) ClientFinal(msg []byte) ([]byte, error) {
	attrs := parseScramAttrs(string(msg))
	nonce, ok := attrs["r"]
	if !ok || nonce != s.serverNonce {
		return nil, ErrScramNonceMismatch
	}
	proofStr, ok := attrs["p"]
	if !ok {
		return nil, ErrScramMalformed
	}
	proof, err := base64.StdEncoding.DecodeString(proofStr)
	if err != nil || len(proof) != sha256.Size {
		return nil, ErrScramMalformed
	}

	finalAuthMsg := s.authMsg + ",c=biws,r=" + s.serverNonce

	clientSignature := scramHMAC(s.cred.StoredKey, []byte(finalAuthMsg))
	clientKey := make([]byte, sha256.Size)
	for i := range clientKey {
		clientKey[i] = proof[i] ^ clientSignature[i]
	}
	computedStoredKey := sha256.Sum256(clientKey)
	if subtle.ConstantTimeCompare(computedStoredKey[:], s.cred.StoredKey) != 1 {
		return nil, ErrScramBadProof
	}

	serverSignature := scramHMAC(s.cred.ServerKey, []byte(finalAuthMsg))
	return []byte("v=" + base64.StdEncoding.EncodeToString(serverSignature)), nil
}

// Username returns the username bound during ClientFirst. Valid only after
// ClientFirst has returned a nil error.
func (s *ScramServer) Username() string { return s.username }

// stripGS2Header removes the GS2 header from a client-first-message. This
// broker negotiates only "n,," (no channel binding), since MQTT transports
// have no channel-binding data to carry.
func stripGS2Header(msg string) (string, error) {
	if !strings.HasPrefix(msg, "n,,") {
		return "", ErrScramMalformed
	}
	return msg[3:], nil
}

func parseScramAttrs(msg string) map[string]string {
	attrs := make(map[string]string)
	for _, part := range strings.Split(msg, ",") {
		if len(part) > 1 && part[1] == '=' {
			attrs[part[:1]] = part[2:]
		}
	}
	return attrs
}
