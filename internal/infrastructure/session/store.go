package session

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"

	"golang.org/x/crypto/nacl/secretbox"

	"github.com/jhoicas/pos-terminal/internal/domain/entity"
)

// Store persiste la sesión de la terminal (token de auth y carrito en curso)
// entre recargas. Para el núcleo de sincronización es un almacén de bytes
// tonto, sin semántica propia; se cifra en reposo con secretbox porque el
// token da acceso a la cuenta completa.
type Store struct {
	mu   sync.Mutex
	path string
	key  [32]byte
}

// payload es el contenido serializado del archivo de sesión.
type payload struct {
	Token string       `json:"token"`
	Cart  *entity.Cart `json:"cart,omitempty"`
}

// New abre el store sobre el archivo dado. keyHex debe ser una clave de 32
// bytes en hex; provisionada por terminal, no compartida entre cajas.
func New(path, keyHex string) (*Store, error) {
	raw, err := hex.DecodeString(keyHex)
	if err != nil || len(raw) != 32 {
		return nil, fmt.Errorf("session: clave inválida (se esperan 32 bytes hex)")
	}
	s := &Store{path: path}
	copy(s.key[:], raw)
	return s, nil
}

// Save cifra y escribe la sesión completa. Escritura atómica vía rename.
func (s *Store) Save(token string, cart *entity.Cart) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	plain, err := json.Marshal(payload{Token: token, Cart: cart})
	if err != nil {
		return err
	}

	var nonce [24]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return err
	}
	sealed := secretbox.Seal(nonce[:], plain, &nonce, &s.key)

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, sealed, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, s.path)
}

// Load descifra la sesión persistida. Un archivo ausente no es error: la
// terminal arranca sin sesión. Un archivo corrupto o con clave distinta se
// reporta para que el caller lo descarte y pida re-autenticación.
func (s *Store) Load() (token string, cart *entity.Cart, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sealed, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return "", nil, nil
	}
	if err != nil {
		return "", nil, err
	}
	if len(sealed) < 24 {
		return "", nil, fmt.Errorf("session: archivo truncado")
	}

	var nonce [24]byte
	copy(nonce[:], sealed[:24])
	plain, ok := secretbox.Open(nil, sealed[24:], &nonce, &s.key)
	if !ok {
		return "", nil, fmt.Errorf("session: no se pudo descifrar (clave incorrecta o archivo corrupto)")
	}

	var p payload
	if err := json.Unmarshal(plain, &p); err != nil {
		return "", nil, fmt.Errorf("session: contenido inválido: %w", err)
	}
	return p.Token, p.Cart, nil
}

// Clear elimina la sesión persistida (logout o token rechazado).
func (s *Store) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	err := os.Remove(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}

// GenerateKey crea una clave nueva en hex; utilidad de aprovisionamiento.
func GenerateKey() (string, error) {
	var key [32]byte
	if _, err := rand.Read(key[:]); err != nil {
		return "", err
	}
	return hex.EncodeToString(key[:]), nil
}
