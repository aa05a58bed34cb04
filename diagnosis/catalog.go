package diagnosis

import (
	"context"
	"log/slog"
	"sort"
	"strings"

	"github.com/mdobak/go-xerrors"
	"github.com/samber/lo"

	"agriscan/utils"
)

func (r *Resolver) cachedNames(ctx context.Context) []string {
	if r.cache == nil {
		return nil
	}
	names, err := r.cache.ListCachedDiseases(ctx)
	if err != nil {
		utils.GetLogger().ErrorContext(ctx, "error listing cached diseases", slog.Any("error", xerrors.New(err)))
		return nil
	}
	return names
}

func (r *Resolver) knowledgeNames(ctx context.Context) []string {
	if r.kb == nil {
		return nil
	}
	return r.kb.Names(ctx)
}

// ListDiseases returns the sorted union of known and cached disease names.
func (r *Resolver) ListDiseases(ctx context.Context) []string {
	names := lo.Uniq(append(r.knowledgeNames(ctx), r.cachedNames(ctx)...))
	sort.Strings(names)
	return names
}

// SearchDiseases matches query as a case-insensitive substring. Knowledge
// base names come first, followed by cached names not already listed.
func (r *Resolver) SearchDiseases(ctx context.Context, query string) []string {
	query = strings.ToLower(query)
	match := func(name string, _ int) bool {
		return strings.Contains(strings.ToLower(name), query)
	}

	matches := lo.Filter(r.knowledgeNames(ctx), match)
	for _, name := range lo.Filter(r.cachedNames(ctx), match) {
		if !lo.Contains(matches, name) {
			matches = append(matches, name)
		}
	}
	if matches == nil {
		matches = []string{}
	}
	return matches
}
