// Package consensus implements the Consensus Aggregator: a Provider Port
// that fans a call out to N named sub-ports, isolates per-provider
// failures, and reconciles the survivors into one ReviewResult.
package consensus

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/hvo-labs/ai-code-review/internal/domain"
	"github.com/hvo-labs/ai-code-review/internal/metrics"
	"github.com/hvo-labs/ai-code-review/internal/provider"
)

// overlapTolerance is the ±3-line window used by the comment-overlap
// relation (spec.md 4.4).
const overlapTolerance = 3

// Aggregator composes N named providers behind a single Provider Port,
// requiring at least Threshold of them to agree before a comment survives.
type Aggregator struct {
	providers []provider.Port
	threshold int
}

// New constructs an Aggregator. threshold is clamped into [1, len(ports)].
func New(ports []provider.Port, threshold int) *Aggregator {
	if threshold < 1 {
		threshold = 1
	}
	if threshold > len(ports) {
		threshold = len(ports)
	}
	return &Aggregator{providers: ports, threshold: threshold}
}

// Name concatenates the names of all composed providers.
func (a *Aggregator) Name() string {
	names := make([]string, len(a.providers))
	for i, p := range a.providers {
		names[i] = p.Name()
	}
	return strings.Join(names, "+")
}

type providerOutcome struct {
	name   string
	result domain.ReviewResult
	err    error
}

// fanOut invokes call against every provider concurrently, isolating each
// failure into its own slot (spec.md 4.4 "fan-out discipline").
func fanOut(ctx context.Context, ports []provider.Port, op string, call func(context.Context, provider.Port) (domain.ReviewResult, error)) ([]providerOutcome, error) {
	outcomes := make([]providerOutcome, len(ports))
	g, gctx := errgroup.WithContext(ctx)
	for i, p := range ports {
		i, p := i, p
		g.Go(func() error {
			res, err := call(gctx, p)
			outcomes[i] = providerOutcome{name: p.Name(), result: res, err: err}
			return nil
		})
	}
	_ = g.Wait() // per-provider errors are isolated into outcomes, never propagated here

	var causes []*provider.CallError
	var surviving []providerOutcome
	for _, o := range outcomes {
		if o.err != nil {
			causes = append(causes, &provider.CallError{Provider: o.name, Op: op, Err: o.err})
			continue
		}
		surviving = append(surviving, o)
	}

	switch {
	case len(surviving) == len(ports):
		metrics.ConsensusProvidersTotal.WithLabelValues("all_succeeded").Inc()
	case len(surviving) == 0:
		metrics.ConsensusProvidersTotal.WithLabelValues("all_failed").Inc()
	default:
		metrics.ConsensusProvidersTotal.WithLabelValues("partial").Inc()
	}

	if len(surviving) == 0 {
		return nil, &provider.AggregateError{Op: op, Causes: causes}
	}
	return surviving, nil
}

// ReviewAll fans out ReviewAll to every provider and merges the survivors.
func (a *Aggregator) ReviewAll(ctx context.Context, pr domain.PullRequestSnapshot, files []domain.FileChange) (domain.ReviewResult, error) {
	outcomes, err := fanOut(ctx, a.providers, "ReviewAll", func(c context.Context, p provider.Port) (domain.ReviewResult, error) {
		return p.ReviewAll(c, pr, files)
	})
	if err != nil {
		return domain.ReviewResult{}, err
	}
	return a.merge(outcomes), nil
}

// ReviewOne fans out ReviewOne to every provider and merges the survivors.
func (a *Aggregator) ReviewOne(ctx context.Context, pr domain.PullRequestSnapshot, file domain.FileChange, totalFilesInPR int) (domain.ReviewResult, error) {
	outcomes, err := fanOut(ctx, a.providers, "ReviewOne", func(c context.Context, p provider.Port) (domain.ReviewResult, error) {
		return p.ReviewOne(c, pr, file, totalFilesInPR)
	})
	if err != nil {
		return domain.ReviewResult{}, err
	}
	return a.merge(outcomes), nil
}

// taggedComment carries a comment plus which provider(s) produced it,
// for provenance clustering.
type taggedComment struct {
	comment   domain.InlineComment
	providers map[string]bool
}

// merge implements spec.md 4.4: comment overlap clustering, worst-verdict
// summary election, min-vote election, file-review union, and metrics
// accounting across the surviving providers.
func (a *Aggregator) merge(outcomes []providerOutcome) domain.ReviewResult {
	var pool []taggedComment
	for _, o := range outcomes {
		for _, c := range o.result.InlineComments {
			c.Provider = o.name
			pool = append(pool, taggedComment{comment: c, providers: map[string]bool{o.name: true}})
		}
	}

	clusters := clusterComments(pool)

	var merged []domain.InlineComment
	for _, cl := range clusters {
		if len(cl.providers) < a.threshold {
			continue
		}
		rep := cl.representative
		rep.Comment = fmt.Sprintf("[%s] %s", provenanceTag(cl.providers), rep.Comment)
		merged = append(merged, rep)
	}

	verdicts := make([]domain.Verdict, 0, len(outcomes))
	votes := make([]domain.Vote, 0, len(outcomes))
	names := make([]string, 0, len(outcomes))
	fileReviews := make(map[string]domain.FileReview)
	var observations []string
	seenObs := make(map[string]bool)
	var totalPrompt, totalCompletion, totalTokens int
	var maxDuration int64
	var surviving int

	for _, o := range outcomes {
		surviving++
		verdicts = append(verdicts, o.result.Summary.Verdict)
		votes = append(votes, o.result.RecommendedVote)
		names = append(names, o.result.Metrics.ModelName)

		for _, fr := range o.result.FileReviews {
			existing, ok := fileReviews[fr.Path]
			if !ok || fr.Verdict.Worse(existing.Verdict) {
				fileReviews[fr.Path] = fr
			}
		}
		for _, obs := range o.result.Observations {
			key := strings.ToLower(strings.TrimSpace(obs))
			if !seenObs[key] {
				seenObs[key] = true
				observations = append(observations, obs)
			}
		}

		totalPrompt += o.result.Metrics.PromptTokens
		totalCompletion += o.result.Metrics.CompletionTokens
		totalTokens += o.result.Metrics.TotalTokens
		if o.result.Metrics.AIDurationMs > maxDuration {
			maxDuration = o.result.Metrics.AIDurationMs
		}
	}

	worst := domain.WorstVerdict(verdicts...)
	minVote := votes[0]
	for _, v := range votes[1:] {
		if v < minVote {
			minVote = v
		}
	}

	var summary domain.ReviewSummary
	for i, o := range outcomes {
		if o.result.Summary.Verdict == worst {
			summary = o.result.Summary
			_ = i
			break
		}
	}
	summary.Verdict = worst
	summary.Description = fmt.Sprintf("[Consensus from %d providers] %s", surviving, summary.Description)

	frOut := make([]domain.FileReview, 0, len(fileReviews))
	for _, fr := range fileReviews {
		frOut = append(frOut, fr)
	}
	sort.Slice(frOut, func(i, j int) bool { return frOut[i].Path < frOut[j].Path })

	return domain.ReviewResult{
		Summary:         summary,
		FileReviews:     frOut,
		InlineComments:  merged,
		Observations:    observations,
		RecommendedVote: minVote,
		Metrics: domain.ReviewMetrics{
			ModelName:        strings.Join(names, "+"),
			PromptTokens:     totalPrompt,
			CompletionTokens: totalCompletion,
			TotalTokens:      totalTokens,
			AIDurationMs:     maxDuration,
		},
	}
}

type cluster struct {
	representative domain.InlineComment
	providers      map[string]bool
}

// clusterComments implements the greedy overlap clustering described in
// spec.md 4.4: pick the first unused comment as anchor, sweep the rest,
// and admit any unused comment from a different provider that overlaps.
func clusterComments(pool []taggedComment) []cluster {
	used := make([]bool, len(pool))
	var clusters []cluster

	for i := range pool {
		if used[i] {
			continue
		}
		used[i] = true
		cl := cluster{
			representative: pool[i].comment,
			providers:      map[string]bool{},
		}
		for name := range pool[i].providers {
			cl.providers[name] = true
		}

		for j := i + 1; j < len(pool); j++ {
			if used[j] {
				continue
			}
			if !overlaps(cl.representative, pool[j].comment) {
				continue
			}
			alreadyIn := false
			for name := range pool[j].providers {
				if cl.providers[name] {
					alreadyIn = true
				}
			}
			if alreadyIn {
				continue
			}
			used[j] = true
			for name := range pool[j].providers {
				cl.providers[name] = true
			}
		}
		clusters = append(clusters, cl)
	}
	return clusters
}

func overlaps(a, b domain.InlineComment) bool {
	if !strings.EqualFold(a.Path, b.Path) {
		return false
	}
	ra := domain.LineRange{Start: a.StartLine, End: a.EndLine}
	rb := domain.LineRange{Start: b.StartLine, End: b.EndLine}
	return ra.Overlaps(rb, overlapTolerance)
}

func provenanceTag(providers map[string]bool) string {
	names := make([]string, 0, len(providers))
	for name := range providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return strings.Join(names, "+")
}

// VerifyResolutions fans out verification to every provider and tallies a
// strict majority per candidate thread (spec.md 4.4 "Verification
// majority"). Total failure defaults every candidate to not-fixed
// (spec.md 5, "best-effort").
func (a *Aggregator) VerifyResolutions(ctx context.Context, candidates []provider.VerifyCandidate) ([]provider.VerifyVerdict, error) {
	type verifyOutcome struct {
		name     string
		verdicts []provider.VerifyVerdict
		err      error
	}
	outcomes := make([]verifyOutcome, len(a.providers))
	g, gctx := errgroup.WithContext(ctx)
	for i, p := range a.providers {
		i, p := i, p
		g.Go(func() error {
			vs, err := p.VerifyResolutions(gctx, candidates)
			outcomes[i] = verifyOutcome{name: p.Name(), verdicts: vs, err: err}
			return nil
		})
	}
	_ = g.Wait()

	byThreadFixed := make(map[string]int)
	byThreadTotal := make(map[string]int)
	byThreadReasons := make(map[string][]string)
	anySucceeded := false

	for _, o := range outcomes {
		if o.err != nil {
			continue
		}
		anySucceeded = true
		for _, v := range o.verdicts {
			byThreadTotal[v.ThreadID]++
			if v.IsFixed {
				byThreadFixed[v.ThreadID]++
			}
			byThreadReasons[v.ThreadID] = append(byThreadReasons[v.ThreadID], fmt.Sprintf("%s: %s", o.name, v.Reasoning))
		}
	}

	results := make([]provider.VerifyVerdict, 0, len(candidates))
	for _, c := range candidates {
		total := byThreadTotal[c.ThreadID]
		fixed := byThreadFixed[c.ThreadID]
		isFixed := anySucceeded && total > 0 && fixed > total/2
		reasoning := fmt.Sprintf("Consensus: %d/%d providers say fixed. %s", fixed, total, strings.Join(byThreadReasons[c.ThreadID], " | "))
		results = append(results, provider.VerifyVerdict{ThreadID: c.ThreadID, IsFixed: isFixed, Reasoning: reasoning})
	}
	return results, nil
}
