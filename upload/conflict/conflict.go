// Package conflict detects occupied destination paths before an upload is
// scheduled and tracks the caller's decisions about them.
//
// Conflicts found in one submission are grouped into a round so the caller
// can resolve them together. Each conflicted task still gets its own
// decision: overwrite the destination, keep both files under a renamed
// destination, or drop the task.
package conflict

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"

	"github.com/bitrise-io/go-utils/v2/log"

	"github.com/bitrise-io/go-uploadkit/upload/network"
)

// Decision is the caller's verdict for one conflicted task.
type Decision string

const (
	// DecisionReplace proceeds with the original destination, overwriting it.
	DecisionReplace Decision = "replace"
	// DecisionKeep proceeds under a renamed destination so both files survive.
	DecisionKeep Decision = "keep"
	// DecisionCancel drops the task without transferring anything.
	DecisionCancel Decision = "cancel"
)

// Valid reports whether the decision is one of the supported verdicts.
func (d Decision) Valid() bool {
	switch d {
	case DecisionReplace, DecisionKeep, DecisionCancel:
		return true
	}
	return false
}

// Record describes one occupied destination awaiting a decision.
type Record struct {
	TaskID          string
	DestinationPath string
	Existing        network.RemoteFileInfo
}

// maxRenameProbes bounds the "name (N).ext" search for a free destination.
const maxRenameProbes = 100

// Negotiator checks destinations for collisions and keeps the per-round and
// per-task conflict bookkeeping.
//
// The bookkeeping methods (BeginRound, Report, Resolve, Discard) are not safe
// for concurrent use; the scheduling loop owns them. CheckDestination and
// NextFreeName only touch the transport and may be called from any goroutine.
type Negotiator struct {
	transport network.Transport
	logger    log.Logger

	rounds  map[string]*round
	pending map[string]Record
}

type round struct {
	outstanding int
	records     []Record
}

// NewNegotiator ...
func NewNegotiator(transport network.Transport, logger log.Logger) *Negotiator {
	return &Negotiator{
		transport: transport,
		logger:    logger,
		rounds:    map[string]*round{},
		pending:   map[string]Record{},
	}
}

// CheckDestination probes the destination path and returns a Record when it
// is already occupied. A free path returns (nil, nil).
func (n *Negotiator) CheckDestination(ctx context.Context, taskID, destinationPath string) (*Record, error) {
	info, err := n.transport.Stat(ctx, destinationPath)
	if errors.Is(err, network.ErrFileNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to check destination %s: %w", destinationPath, err)
	}
	return &Record{
		TaskID:          taskID,
		DestinationPath: destinationPath,
		Existing:        *info,
	}, nil
}

// BeginRound registers a negotiation round that closes once size reports
// have arrived.
func (n *Negotiator) BeginRound(roundID string, size int) {
	if size <= 0 {
		return
	}
	n.rounds[roundID] = &round{outstanding: size}
}

// Report delivers one member's probe outcome to its round. A nil record means
// the member's destination was free. When the last outstanding member
// reports, Report returns true together with every conflict the round
// collected, in report order. A report without a registered round closes
// immediately as a round of one.
func (n *Negotiator) Report(roundID string, rec *Record) (bool, []Record) {
	if rec != nil {
		n.pending[rec.TaskID] = *rec
	}

	r, ok := n.rounds[roundID]
	if !ok {
		if rec == nil {
			return true, nil
		}
		return true, []Record{*rec}
	}

	if rec != nil {
		r.records = append(r.records, *rec)
	}
	r.outstanding--
	if r.outstanding > 0 {
		return false, nil
	}
	delete(n.rounds, roundID)
	return true, r.records
}

// Resolve consumes the pending record for the task. The second return value
// is false when the task has no unresolved conflict, which also covers a
// repeated resolution for the same task.
func (n *Negotiator) Resolve(taskID string) (Record, bool) {
	rec, ok := n.pending[taskID]
	if !ok {
		return Record{}, false
	}
	delete(n.pending, taskID)
	return rec, true
}

// Discard drops the pending record for the task without a decision, for
// tasks that are cancelled while still awaiting resolution.
func (n *Negotiator) Discard(taskID string) {
	delete(n.pending, taskID)
}

// NextFreeName probes "name (1).ext", "name (2).ext" and so on under the
// destination prefix and returns the first file name that is not occupied.
func (n *Negotiator) NextFreeName(ctx context.Context, destinationPrefix, fileName string) (string, error) {
	base, ext := splitNameExt(fileName)
	for i := 1; i <= maxRenameProbes; i++ {
		candidate := fmt.Sprintf("%s (%d)%s", base, i, ext)
		_, err := n.transport.Stat(ctx, network.DestinationPath(destinationPrefix, candidate))
		if errors.Is(err, network.ErrFileNotFound) {
			return candidate, nil
		}
		if err != nil {
			return "", fmt.Errorf("failed to probe renamed destination %s: %w", candidate, err)
		}
	}
	return "", fmt.Errorf("no free name found for %s after %d probes", fileName, maxRenameProbes)
}

func splitNameExt(fileName string) (string, string) {
	ext := path.Ext(fileName)
	base := strings.TrimSuffix(fileName, ext)
	if base == "" {
		// Dotfiles keep their full name as the base.
		return fileName, ""
	}
	return base, ext
}
