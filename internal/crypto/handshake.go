package crypto

import (
	"crypto/rand"
	"errors"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
)

// AuthMethod is the way the server authenticates a joining client.
type AuthMethod uint8

const (
	// AuthKeyExchangeOnly only sets up encryption.
	AuthKeyExchangeOnly AuthMethod = iota
	// AuthPAKE mixes the server password into the derived keys.
	AuthPAKE
	// AuthAuthorizedKey accepts only clients whose public key is allowed.
	AuthAuthorizedKey
	AuthMethodEnd
)

func (m AuthMethod) String() string {
	switch m {
	case AuthKeyExchangeOnly:
		return "key-exchange-only"
	case AuthPAKE:
		return "password"
	case AuthAuthorizedKey:
		return "authorized-key"
	default:
		return fmt.Sprintf("AuthMethod(%d)", uint8(m))
	}
}

var (
	ErrUnknownMethod  = errors.New("unknown authentication method")
	ErrWrongPassword  = errors.New("wrong password")
	ErrNotAuthorized  = errors.New("public key not authorized")
	ErrAuthFailed     = errors.New("authentication failed")
	ErrNoPassword     = errors.New("no password available")
	ErrHandshakeState = errors.New("handshake not complete")
)

// AuthRequest is what the server sends to start authentication.
type AuthRequest struct {
	Method    AuthMethod
	PublicKey PublicKey
	Nonce     [NonceSize]byte
}

// AuthResponse is the client's proof of the derived keys.
type AuthResponse struct {
	PublicKey PublicKey
	MAC       [MACSize]byte
	Message   [MessageSize]byte
}

// ServerHandshake drives the server side. With both a password and authorized
// keys configured the authorized key is tried first and the password is asked
// for when the client's key is not on the list.
type ServerHandshake struct {
	password   string
	authorized *AuthorizedKeys

	method    AuthMethod
	secret    SecretKey
	public    PublicKey
	nonce     [NonceSize]byte
	keys      derivedKeys
	clientKey PublicKey
	started   bool
	done      bool
}

// NewServerHandshake creates the server side for one connection.
func NewServerHandshake(password string, authorized *AuthorizedKeys) *ServerHandshake {
	return &ServerHandshake{password: password, authorized: authorized}
}

func (s *ServerHandshake) firstMethod() AuthMethod {
	switch {
	case s.authorized != nil && s.authorized.Len() > 0:
		return AuthAuthorizedKey
	case s.password != "":
		return AuthPAKE
	default:
		return AuthKeyExchangeOnly
	}
}

// Request creates the next auth request. It is called once at the start and
// again after Verify reported that another method should be tried.
func (s *ServerHandshake) Request() (AuthRequest, error) {
	if !s.started {
		s.method = s.firstMethod()
		s.started = true
	}
	var err error
	if s.secret, err = GenerateSecretKey(); err != nil {
		return AuthRequest{}, err
	}
	s.public = s.secret.PublicKey()
	if _, err := rand.Read(s.nonce[:]); err != nil {
		return AuthRequest{}, fmt.Errorf("generating nonce: %w", err)
	}
	return AuthRequest{Method: s.method, PublicKey: s.public, Nonce: s.nonce}, nil
}

// Verify checks the client's response. A nil error means the client is
// authenticated. retry is true when the client failed the authorized key
// check but may still authenticate with the password; the caller should then
// send a fresh Request.
func (s *ServerHandshake) Verify(resp AuthResponse) (retry bool, err error) {
	password := ""
	if s.method == AuthPAKE {
		password = s.password
	}
	keys, err := deriveKeys(s.secret, resp.PublicKey, resp.PublicKey, s.public, password)
	if err != nil {
		return false, err
	}
	if !openProof(keys.clientToServer, s.nonce, resp) {
		if s.method == AuthPAKE {
			return false, ErrWrongPassword
		}
		return false, ErrAuthFailed
	}

	if s.method == AuthAuthorizedKey && !s.authorized.Contains(resp.PublicKey.Hex()) {
		if s.password != "" {
			s.method = AuthPAKE
			return true, nil
		}
		return false, ErrNotAuthorized
	}

	s.keys = keys
	s.clientKey = resp.PublicKey
	s.done = true
	return false, nil
}

// Method is the method of the last request.
func (s *ServerHandshake) Method() AuthMethod { return s.method }

// ClientPublicKey is the verified client key.
func (s *ServerHandshake) ClientPublicKey() PublicKey { return s.clientKey }

// Encryption returns the send and receive encryption of the server side.
func (s *ServerHandshake) Encryption(nonce [NonceSize]byte) (send, recv *PacketEncryption, err error) {
	if !s.done {
		return nil, nil, ErrHandshakeState
	}
	return pair(s.keys.serverToClient, s.keys.clientToServer, nonce)
}

// ClientHandshake drives the client side.
type ClientHandshake struct {
	secret SecretKey
	public PublicKey
	keys   derivedKeys
	done   bool
}

// NewClientHandshake uses secret as the client identity; a zero key is
// replaced by a fresh random one.
func NewClientHandshake(secret SecretKey) (*ClientHandshake, error) {
	if secret == (SecretKey{}) {
		var err error
		if secret, err = GenerateSecretKey(); err != nil {
			return nil, err
		}
	}
	return &ClientHandshake{secret: secret, public: secret.PublicKey()}, nil
}

// PublicKey is the client identity sent to the server.
func (c *ClientHandshake) PublicKey() PublicKey { return c.public }

// Respond answers an auth request. password is only used for AuthPAKE.
func (c *ClientHandshake) Respond(req AuthRequest, password string) (AuthResponse, error) {
	resp := AuthResponse{PublicKey: c.public}
	switch req.Method {
	case AuthKeyExchangeOnly, AuthAuthorizedKey:
		password = ""
	case AuthPAKE:
		if password == "" {
			return resp, ErrNoPassword
		}
	default:
		return resp, fmt.Errorf("%w: %d", ErrUnknownMethod, req.Method)
	}

	keys, err := deriveKeys(c.secret, req.PublicKey, c.public, req.PublicKey, password)
	if err != nil {
		return resp, err
	}
	if _, err := rand.Read(resp.Message[:]); err != nil {
		return resp, fmt.Errorf("generating message: %w", err)
	}
	aead, err := chacha20poly1305.NewX(keys.clientToServer[:])
	if err != nil {
		return resp, fmt.Errorf("creating aead: %w", err)
	}
	sealed := aead.Seal(nil, req.Nonce[:], resp.Message[:], c.public[:])
	copy(resp.Message[:], sealed[:MessageSize])
	copy(resp.MAC[:], sealed[MessageSize:])

	c.keys = keys
	c.done = true
	return resp, nil
}

// Encryption returns the send and receive encryption of the client side.
func (c *ClientHandshake) Encryption(nonce [NonceSize]byte) (send, recv *PacketEncryption, err error) {
	if !c.done {
		return nil, nil, ErrHandshakeState
	}
	return pair(c.keys.clientToServer, c.keys.serverToClient, nonce)
}

func openProof(key [KeySize]byte, nonce [NonceSize]byte, resp AuthResponse) bool {
	aead, err := chacha20poly1305.NewX(key[:])
	if err != nil {
		return false
	}
	sealed := make([]byte, 0, MessageSize+MACSize)
	sealed = append(sealed, resp.Message[:]...)
	sealed = append(sealed, resp.MAC[:]...)
	_, err = aead.Open(nil, nonce[:], sealed, resp.PublicKey[:])
	return err == nil
}

func pair(sendKey, recvKey [KeySize]byte, nonce [NonceSize]byte) (*PacketEncryption, *PacketEncryption, error) {
	send, err := NewPacketEncryption(sendKey, nonce)
	if err != nil {
		return nil, nil, err
	}
	recv, err := NewPacketEncryption(recvKey, nonce)
	if err != nil {
		return nil, nil, err
	}
	return send, recv, nil
}
