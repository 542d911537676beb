package policy

import (
	"context"
	"errors"
	"sort"

	"github.com/adamscao/sshca/internal/apperr"
	"github.com/adamscao/sshca/internal/db/repository"
	"github.com/adamscao/sshca/internal/models"
	"github.com/uptrace/bun"
)

// Requester identifies who a certificate is being issued for
type Requester struct {
	Type string // models.RequesterUser or models.RequesterHost
	Name string // username or hostname
}

// UserRequester is shorthand for a user requester
func UserRequester(username string) Requester {
	return Requester{Type: models.RequesterUser, Name: username}
}

// HostRequester is shorthand for a host requester
func HostRequester(hostname string) Requester {
	return Requester{Type: models.RequesterHost, Name: hostname}
}

// Resolution is the authorized principal set for one request
type Resolution struct {
	RequesterType string
	RequesterID   int64
	RequesterName string
	Principals    []string
}

// Resolver decides which principals a user or host may have signed
type Resolver struct {
	users  *repository.UserRepository
	hosts  *repository.HostRepository
	grants *repository.GrantRepository
}

// NewResolver creates a resolver reading through idb
func NewResolver(idb bun.IDB) *Resolver {
	return &Resolver{
		users:  repository.NewUserRepository(idb),
		hosts:  repository.NewHostRepository(idb),
		grants: repository.NewGrantRepository(idb),
	}
}

// WithTx returns a resolver whose reads join tx
func (r *Resolver) WithTx(tx bun.Tx) *Resolver {
	return &Resolver{
		users:  r.users.WithTx(tx),
		hosts:  r.hosts.WithTx(tx),
		grants: r.grants.WithTx(tx),
	}
}

// Resolve filters requested against the requester's grants.
//
// With all set the list is ignored and every granted principal is
// returned sorted by name. Otherwise the list is deduplicated in request
// order and every entry must be granted; there is no partial grant.
func (r *Resolver) Resolve(ctx context.Context, req Requester, requested []string, all bool) (*Resolution, error) {
	res, granted, err := r.lookup(ctx, req)
	if err != nil {
		return nil, err
	}

	if all {
		if len(granted) == 0 {
			return nil, apperr.Unauthorized("%s %q has no principals granted", req.Type, req.Name)
		}
		res.Principals = granted
		return res, nil
	}

	wanted, err := normalize(requested)
	if err != nil {
		return nil, err
	}

	allowed := make(map[string]bool, len(granted))
	for _, name := range granted {
		allowed[name] = true
	}
	for _, name := range wanted {
		if !allowed[name] {
			return nil, apperr.Unauthorized("principal %q is not granted to %s %q", name, req.Type, req.Name)
		}
	}

	res.Principals = wanted
	return res, nil
}

// Candidates returns the principal names granted to username, sorted. An
// unknown username has no candidates.
func (r *Resolver) Candidates(ctx context.Context, username string) ([]string, error) {
	user, err := r.users.GetByUsername(ctx, username)
	if errors.Is(err, apperr.ErrNotFound) {
		return []string{}, nil
	}
	if err != nil {
		return nil, err
	}
	return r.grants.UserPrincipalNames(ctx, user.ID)
}

// AuthorizedPrincipals returns the principals both username and hostname
// hold, sorted. An inactive or unknown user yields an empty list.
func (r *Resolver) AuthorizedPrincipals(ctx context.Context, username, hostname string) ([]string, error) {
	host, err := r.hosts.GetByHostname(ctx, hostname)
	if err != nil {
		return nil, err
	}

	user, err := r.users.GetByUsername(ctx, username)
	if errors.Is(err, apperr.ErrNotFound) {
		return []string{}, nil
	}
	if err != nil {
		return nil, err
	}
	if !user.Active {
		return []string{}, nil
	}

	return intersect(user.Principals, host.Principals), nil
}

func (r *Resolver) lookup(ctx context.Context, req Requester) (*Resolution, []string, error) {
	switch req.Type {
	case models.RequesterUser:
		user, err := r.users.GetByUsername(ctx, req.Name)
		if err != nil {
			return nil, nil, err
		}
		if !user.Active {
			return nil, nil, apperr.Unauthorized("user %q is inactive", user.Username)
		}
		return &Resolution{RequesterType: req.Type, RequesterID: user.ID, RequesterName: user.Username}, user.Principals, nil
	case models.RequesterHost:
		host, err := r.hosts.GetByHostname(ctx, req.Name)
		if err != nil {
			return nil, nil, err
		}
		return &Resolution{RequesterType: req.Type, RequesterID: host.ID, RequesterName: host.Hostname}, host.Principals, nil
	default:
		return nil, nil, apperr.Invalid("unknown requester type %q", req.Type)
	}
}

func normalize(requested []string) ([]string, error) {
	if len(requested) == 0 {
		return nil, apperr.InvalidPrincipals("no principals requested")
	}
	seen := make(map[string]bool, len(requested))
	out := make([]string, 0, len(requested))
	for _, name := range requested {
		if !models.PrincipalNamePattern.MatchString(name) {
			return nil, apperr.InvalidPrincipals("invalid principal name %q", name)
		}
		if seen[name] {
			continue
		}
		seen[name] = true
		out = append(out, name)
	}
	return out, nil
}

func intersect(a, b []string) []string {
	in := make(map[string]bool, len(b))
	for _, name := range b {
		in[name] = true
	}
	out := []string{}
	for _, name := range a {
		if in[name] {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}
