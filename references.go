package gotov8

import (
	"context"
	"io"
	"log/slog"
	"reflect"
	"slices"
	"sync"
)

type domainKey struct{}

// WithReferenceDomain selects the reference domain that host values captured
// by guest functions are saved into while ctx is in use.
func WithReferenceDomain(ctx context.Context, domain string) context.Context {
	return context.WithValue(ctx, domainKey{}, domain)
}

func domainFromContext(ctx context.Context, fallback string) string {
	if d, ok := ctx.Value(domainKey{}).(string); ok && d != "" {
		return d
	}
	return fallback
}

// references keeps saved host values alive per domain. The most recently
// saved value is the head; release goes head first.
type references struct {
	mu      sync.Mutex
	domains map[string][]*HostRef
	order   []string
}

func newReferences() *references {
	return &references{domains: make(map[string][]*HostRef)}
}

func (r *references) save(domain string, ref *HostRef) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.domains[domain]; !ok {
		r.order = append(r.order, domain)
	}
	r.domains[domain] = append(r.domains[domain], ref)
}

func (r *references) remove(ref *HostRef) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for d, refs := range r.domains {
		if i := slices.Index(refs, ref); i >= 0 {
			r.domains[d] = slices.Delete(refs, i, i+1)
			return
		}
	}
}

// list returns the domain's values, head first.
func (r *references) list(domain string) []any {
	r.mu.Lock()
	defer r.mu.Unlock()
	refs := r.domains[domain]
	out := make([]any, 0, len(refs))
	for i := len(refs) - 1; i >= 0; i-- {
		out = append(out, refs[i].Value)
	}
	return out
}

func (r *references) release(domain string, logger *slog.Logger) int {
	r.mu.Lock()
	refs := r.domains[domain]
	delete(r.domains, domain)
	r.order = slices.DeleteFunc(r.order, func(d string) bool { return d == domain })
	r.mu.Unlock()

	for i := len(refs) - 1; i >= 0; i-- {
		if c, ok := refs[i].Value.(io.Closer); ok {
			if err := c.Close(); err != nil {
				logger.Warn("Failed to close saved reference", "domain", domain, "error", err)
			}
		}
	}
	return len(refs)
}

// releaseAll releases the newest domain first.
func (r *references) releaseAll(logger *slog.Logger) {
	r.mu.Lock()
	order := slices.Clone(r.order)
	r.mu.Unlock()
	for i := len(order) - 1; i >= 0; i-- {
		r.release(order[i], logger)
	}
}

// saveReference applies the save-reference policy to a freshly captured box.
func (p *Program) saveReference(ctx context.Context, ref *HostRef) error {
	if isPrimitive(ref.Value) {
		return nil
	}
	p.mu.Lock()
	custom := p.saveRef
	p.mu.Unlock()
	if custom != nil {
		return custom(ctx, ref)
	}
	p.refs.save(domainFromContext(ctx, p.domain), ref)
	return nil
}

func isPrimitive(v any) bool {
	if v == nil {
		return true
	}
	switch reflect.TypeOf(v).Kind() {
	case reflect.Bool, reflect.String,
		reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr,
		reflect.Float32, reflect.Float64, reflect.Complex64, reflect.Complex128:
		return true
	}
	return false
}

// SaveReference keeps v alive under the active policy as if a guest function
// had captured it.
func (p *Program) SaveReference(ctx context.Context, v any) error {
	if p.State() != StateValid {
		return unavailable("program.save_reference", "the Program has been destroyed and can no longer be accessed")
	}
	return p.saveReference(ctx, &HostRef{Value: v})
}

// References lists the values saved in domain, most recent first. An empty
// domain means the default one.
func (p *Program) References(domain string) []any {
	if domain == "" {
		domain = p.domain
	}
	return p.refs.list(domain)
}

// ReleaseReferences releases domain now rather than at teardown.
func (p *Program) ReleaseReferences(domain string) int {
	if domain == "" {
		domain = p.domain
	}
	return p.refs.release(domain, p.logger)
}
