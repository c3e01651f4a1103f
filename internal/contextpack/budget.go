// Package contextpack builds the bounded context handed to the Patcher
// agent for one batch: file excerpts, symbol/dependency summaries, and
// recent ledger history, all capped by a character/line/entry budget
// (spec.md §4.E). Grounded on original_source/context_pack.py's
// ContextPackBuilder, with spec.md's tighter numeric defaults
// authoritative over the Python original's looser ones, and
// excerpt-first retrieval replacing the Python's always-full-file
// behavior in build_patcher_context.
package contextpack

// Budget tracks remaining character, excerpt-line, and ledger-entry
// allowance while a Pack is assembled.
type Budget struct {
	MaxChars         int
	MaxExcerptLines  int
	MaxLedgerEntries int

	usedChars         int
	usedExcerptLines  int
	usedLedgerEntries int
}

// DefaultBudget returns spec.md's authoritative numeric defaults
// (40,000 chars / 600 excerpt lines / 10 ledger entries — NOT the
// Python original's looser 150,000/3,000/10).
func DefaultBudget() Budget {
	return Budget{MaxChars: 40000, MaxExcerptLines: 600, MaxLedgerEntries: 10}
}

func (b *Budget) remainingChars() int        { return b.MaxChars - b.usedChars }
func (b *Budget) remainingExcerptLines() int { return b.MaxExcerptLines - b.usedExcerptLines }
func (b *Budget) remainingLedgerEntries() int {
	return b.MaxLedgerEntries - b.usedLedgerEntries
}

func (b *Budget) canAddChars(n int) bool { return b.usedChars+n <= b.MaxChars }
func (b *Budget) canAddLines(n int) bool { return b.usedExcerptLines+n <= b.MaxExcerptLines }

func (b *Budget) addChars(n int) bool {
	if !b.canAddChars(n) {
		return false
	}
	b.usedChars += n
	return true
}

func (b *Budget) addLines(n int) bool {
	if !b.canAddLines(n) {
		return false
	}
	b.usedExcerptLines += n
	return true
}

func (b *Budget) addLedgerEntry() bool {
	if b.usedLedgerEntries >= b.MaxLedgerEntries {
		return false
	}
	b.usedLedgerEntries++
	return true
}
