package sip

import (
	"context"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/emiago/sipgo/sip"
)

const (
	defaultExpiry       = 3600  // seconds
	minExpiry           = 60    // seconds
	maxExpiry           = 86400 // seconds
	expiryCleanupPeriod = 30 * time.Second
)

// Binding is one extension's active registration. An extension holds at
// most one binding; a refresh replaces it in place.
type Binding struct {
	Extension    string    `json:"extension"`
	ContactURI   string    `json:"contact_uri"`
	SourceIP     string    `json:"source_ip"`
	SourcePort   int       `json:"source_port"`
	UserAgent    string    `json:"user_agent,omitempty"`
	RegisteredAt time.Time `json:"registered_at"`
	ExpiresAt    time.Time `json:"expires_at"`
}

// Target returns the UDP address in-dialog requests should be sent to.
// The datagram source is used rather than the Contact URI so phones
// behind NAT stay reachable.
func (b *Binding) Target() *net.UDPAddr {
	ip := net.ParseIP(b.SourceIP)
	if ip == nil {
		return nil
	}
	return &net.UDPAddr{IP: ip, Port: b.SourcePort}
}

// Registrar handles REGISTER requests and owns the in-memory binding
// table. Bindings live for the granted expiry and are reaped by a
// periodic sweeper.
type Registrar struct {
	auth   *Authenticator
	logger *slog.Logger

	mu       sync.RWMutex
	bindings map[string]*Binding // keyed by extension number
}

// NewRegistrar creates a REGISTER handler with an empty binding table.
func NewRegistrar(auth *Authenticator, logger *slog.Logger) *Registrar {
	return &Registrar{
		auth:     auth,
		logger:   logger.With("subsystem", "registrar"),
		bindings: make(map[string]*Binding),
	}
}

// HandleRegister processes an incoming REGISTER request.
func (r *Registrar) HandleRegister(req *sip.Request, tx sip.ServerTransaction) {
	r.logger.Debug("register request received",
		"from", req.From().Address.User,
		"source", req.Source(),
	)

	ext := r.auth.Authenticate(req, tx)
	if ext == nil {
		return
	}

	contact := req.Contact()
	if contact == nil {
		r.logger.Warn("register missing contact header",
			"extension", ext.Extension,
			"source", req.Source(),
		)
		r.respondError(req, tx, 400, "Bad Request")
		return
	}

	expiry := parseExpiry(req)

	if expiry == 0 || contact.Address.Wildcard {
		r.unregister(req, tx, ext.Extension, contact)
		return
	}

	// Grant the smaller of requested and maximum, floored at minimum.
	if expiry < minExpiry {
		expiry = minExpiry
	}
	if expiry > maxExpiry {
		expiry = maxExpiry
	}

	sourceIP, sourcePort := parseSource(req)

	userAgent := ""
	if ua := req.GetHeader("User-Agent"); ua != nil {
		userAgent = ua.Value()
	}

	now := time.Now()
	binding := &Binding{
		Extension:    ext.Extension,
		ContactURI:   contact.Address.String(),
		SourceIP:     sourceIP,
		SourcePort:   sourcePort,
		UserAgent:    userAgent,
		RegisteredAt: now,
		ExpiresAt:    now.Add(time.Duration(expiry) * time.Second),
	}

	r.mu.Lock()
	_, refresh := r.bindings[ext.Extension]
	r.bindings[ext.Extension] = binding
	r.mu.Unlock()

	r.logger.Info("extension registered",
		"extension", ext.Extension,
		"contact", binding.ContactURI,
		"expires", expiry,
		"source", req.Source(),
		"refresh", refresh,
	)

	res := sip.NewResponseFromRequest(req, 200, "OK", nil)
	res.AppendHeader(&sip.ContactHeader{Address: contact.Address})
	res.AppendHeader(sip.NewHeader("Expires", strconv.Itoa(expiry)))

	if err := tx.Respond(res); err != nil {
		r.logger.Error("failed to send register response", "error", err)
	}
}

// unregister removes the extension's binding (Expires: 0 or Contact: *).
func (r *Registrar) unregister(req *sip.Request, tx sip.ServerTransaction, extension string, contact *sip.ContactHeader) {
	r.mu.Lock()
	_, had := r.bindings[extension]
	delete(r.bindings, extension)
	r.mu.Unlock()

	r.logger.Info("registration removed",
		"extension", extension,
		"had_binding", had,
	)

	res := sip.NewResponseFromRequest(req, 200, "OK", nil)
	if !contact.Address.Wildcard {
		res.AppendHeader(&sip.ContactHeader{Address: contact.Address})
	}
	res.AppendHeader(sip.NewHeader("Expires", "0"))
	if err := tx.Respond(res); err != nil {
		r.logger.Error("failed to send unregister response", "error", err)
	}
}

// Lookup returns the active binding for an extension, nil when
// unregistered or expired.
func (r *Registrar) Lookup(extension string) *Binding {
	r.mu.RLock()
	defer r.mu.RUnlock()

	b, ok := r.bindings[extension]
	if !ok || time.Now().After(b.ExpiresAt) {
		return nil
	}
	cp := *b
	return &cp
}

// Bindings returns a snapshot of all active bindings.
func (r *Registrar) Bindings() []Binding {
	r.mu.RLock()
	defer r.mu.RUnlock()

	now := time.Now()
	out := make([]Binding, 0, len(r.bindings))
	for _, b := range r.bindings {
		if now.After(b.ExpiresAt) {
			continue
		}
		out = append(out, *b)
	}
	return out
}

// Count returns the number of active bindings.
func (r *Registrar) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n := 0
	now := time.Now()
	for _, b := range r.bindings {
		if !now.After(b.ExpiresAt) {
			n++
		}
	}
	return n
}

// RunExpiryCleanup reaps expired bindings until the context ends. Nonce
// and brute-force state is cleaned on the same cadence.
func (r *Registrar) RunExpiryCleanup(ctx context.Context) {
	ticker := time.NewTicker(expiryCleanupPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.reapExpired()
			r.auth.CleanExpiredNonces()
		}
	}
}

func (r *Registrar) reapExpired() {
	now := time.Now()

	r.mu.Lock()
	defer r.mu.Unlock()
	for ext, b := range r.bindings {
		if now.After(b.ExpiresAt) {
			delete(r.bindings, ext)
			r.logger.Info("registration expired", "extension", ext)
		}
	}
}

// parseExpiry extracts the requested expiry: Contact expires parameter
// first, then the Expires header, then the default.
func parseExpiry(req *sip.Request) int {
	if contact := req.Contact(); contact != nil {
		if val, ok := contact.Params.Get("expires"); ok {
			if exp, err := strconv.Atoi(val); err == nil {
				return exp
			}
		}
	}
	if h := req.GetHeader("Expires"); h != nil {
		if exp, err := strconv.Atoi(h.Value()); err == nil {
			return exp
		}
	}
	return defaultExpiry
}

// parseSource splits the datagram source into IP and port.
func parseSource(req *sip.Request) (string, int) {
	source := req.Source()
	host, portStr, err := net.SplitHostPort(source)
	if err != nil {
		return source, 0
	}
	port, _ := strconv.Atoi(portStr)
	return host, port
}

func (r *Registrar) respondError(req *sip.Request, tx sip.ServerTransaction, code int, reason string) {
	res := sip.NewResponseFromRequest(req, code, reason, nil)
	if err := tx.Respond(res); err != nil {
		r.logger.Error("failed to send error response",
			"code", code,
			"error", err,
		)
	}
}
