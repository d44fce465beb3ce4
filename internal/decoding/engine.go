package decoding

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"txscope/internal/model"
)

type registeredDecoder struct {
	name      string
	decoder   Decoder
	addresses map[common.Address][]Handler
}

// Engine routes a transaction's logs through the registered protocol
// decoders and assembles the final event list. Registration order is
// significant: when several decoders claim the same address, their handlers
// run in the order the decoders were registered.
type Engine struct {
	tools  *Tools
	logger *zap.Logger

	mu                    sync.RWMutex
	decoders              []*registeredDecoder
	byName                map[string]*registeredDecoder
	inputRules            map[[4]byte]map[common.Hash]Handler
	postRules             map[string][]PostDecodingRule
	addressToCounterparty map[common.Address]string
	counterparties        map[string]CounterpartyDetails
}

// NewEngine creates an engine with no decoders registered. The generic
// transfer and approval rules are always active.
func NewEngine(tools *Tools, logger *zap.Logger) *Engine {
	return &Engine{
		tools:                 tools,
		logger:                logger,
		byName:                make(map[string]*registeredDecoder),
		inputRules:            make(map[[4]byte]map[common.Hash]Handler),
		postRules:             make(map[string][]PostDecodingRule),
		addressToCounterparty: make(map[common.Address]string),
		counterparties:        map[string]CounterpartyDetails{CounterpartyGas: GasCounterpartyDetails},
	}
}

// Tools exposes the engine's decoder tools, for decoder construction.
func (e *Engine) Tools() *Tools {
	return e.tools
}

// Register adds a protocol decoder under a unique name and folds its routing
// tables into the engine.
func (e *Engine) Register(name string, decoder Decoder) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, exists := e.byName[name]; exists {
		return fmt.Errorf("decoder %q registered twice", name)
	}
	entry := &registeredDecoder{
		name:      name,
		decoder:   decoder,
		addresses: decoder.AddressesToDecoders(),
	}
	e.decoders = append(e.decoders, entry)
	e.byName[name] = entry

	for _, details := range decoder.Counterparties() {
		e.counterparties[details.Identifier] = details
	}
	if post, ok := decoder.(PostDecoder); ok {
		for counterparty, rules := range post.PostDecodingRules() {
			e.postRules[counterparty] = append(e.postRules[counterparty], rules...)
			sort.SliceStable(e.postRules[counterparty], func(i, j int) bool {
				return e.postRules[counterparty][i].Priority < e.postRules[counterparty][j].Priority
			})
		}
	}
	if mapper, ok := decoder.(CounterpartyMapper); ok {
		for address, counterparty := range mapper.AddressesToCounterparties() {
			e.addressToCounterparty[address] = counterparty
		}
	}
	if byInput, ok := decoder.(InputDataDecoder); ok {
		for selector, byTopic := range byInput.DecodingByInputData() {
			if e.inputRules[selector] == nil {
				e.inputRules[selector] = make(map[common.Hash]Handler)
			}
			for topic, handler := range byTopic {
				if _, dup := e.inputRules[selector][topic]; dup {
					return fmt.Errorf("decoder %q: input rule %x/%s already registered", name, selector, topic)
				}
				e.inputRules[selector][topic] = handler
			}
		}
	}
	return nil
}

// Counterparties returns the details of every known counterparty, sorted by
// identifier.
func (e *Engine) Counterparties() []CounterpartyDetails {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]CounterpartyDetails, 0, len(e.counterparties))
	for _, details := range e.counterparties {
		out = append(out, details)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Identifier < out[j].Identifier })
	return out
}

// ReloadData refreshes the routing tables of every reloadable decoder. When
// names is non-empty only those decoders are reloaded. The potentially slow
// decoder queries run without holding the engine lock; the write lock is
// taken only when a decoder actually returned a new table, so concurrent
// decodes are not serialized by a fresh-cache no-op.
func (e *Engine) ReloadData(ctx context.Context, names ...string) error {
	wanted := make(map[string]struct{}, len(names))
	for _, name := range names {
		wanted[name] = struct{}{}
	}
	e.mu.RLock()
	entries := make([]*registeredDecoder, len(e.decoders))
	copy(entries, e.decoders)
	e.mu.RUnlock()

	type refresh struct {
		entry     *registeredDecoder
		addresses map[common.Address][]Handler
	}
	var refreshed []refresh
	for _, entry := range entries {
		if len(wanted) > 0 {
			if _, ok := wanted[entry.name]; !ok {
				continue
			}
		}
		reloadable, ok := entry.decoder.(Reloadable)
		if !ok {
			continue
		}
		addresses, err := reloadable.ReloadData(ctx)
		if err != nil {
			return fmt.Errorf("reloading decoder %q: %w", entry.name, err)
		}
		if addresses != nil {
			refreshed = append(refreshed, refresh{entry: entry, addresses: addresses})
		}
	}
	if len(refreshed) == 0 {
		return nil
	}

	e.mu.Lock()
	for _, r := range refreshed {
		r.entry.addresses = r.addresses
	}
	e.mu.Unlock()
	return nil
}

// DecodeTransaction turns a transaction, its receipt and its internal value
// transfers into the ordered event list. Individual handler failures are
// logged and skipped; only infrastructure errors propagate.
func (e *Engine) DecodeTransaction(ctx context.Context, tx *model.Transaction, receipt *model.Receipt, internal []*model.InternalTx) ([]*model.HistoryEvent, error) {
	// Cheap when the caches are fresh; a failed refresh must not abort the
	// decode, the stale routing tables keep working.
	if err := e.ReloadData(ctx); err != nil {
		e.logger.Error("decoder reload failed",
			zap.String("tx", tx.Hash.Hex()),
			zap.Error(err))
	}

	e.mu.RLock()
	defer e.mu.RUnlock()

	seq := NewSequencer(receipt)

	var events []*model.HistoryEvent
	if gas := e.decodeGasFee(tx, receipt, seq); gas != nil {
		events = append(events, gas)
	}
	if !receipt.Status {
		// Nothing else happened on-chain.
		return events, nil
	}
	if native := e.decodeNativeTransfer(tx, seq); native != nil {
		events = append(events, native)
	}
	events = append(events, e.decodeInternalTransfers(tx, internal, seq)...)

	var (
		actionItems         []*ActionItem
		matchedCounterparty []string
		reloadRequests      []string
	)
	matchedSet := make(map[string]struct{})
	noteMatch := func(counterparty string) {
		if counterparty == "" {
			return
		}
		if _, ok := matchedSet[counterparty]; !ok {
			matchedSet[counterparty] = struct{}{}
			matchedCounterparty = append(matchedCounterparty, counterparty)
		}
	}
	events, actionItems = e.applyActionItems(events, actionItems)

	selector, hasSelector := tx.InputSelector()
	for i := range receipt.Logs {
		txLog := &receipt.Logs[i]
		dctx := &DecoderContext{
			TxLog:         txLog,
			Transaction:   tx,
			AllLogs:       receipt.Logs,
			Sequencer:     seq,
			DecodedEvents: events,
			ActionItems:   actionItems,
		}
		// Only an actual event claims the log. Action items, counterparty
		// signals and reload requests merge without suppressing the generic
		// rules, which may still have to produce the event those items
		// target.
		handled := false

		if hasSelector {
			if handler, ok := e.inputRules[selector][txLog.Topic0()]; ok {
				output, produced := e.invoke(ctx, "input-rule", handler, dctx)
				if produced {
					events, actionItems = e.absorb(events, actionItems, output, noteMatch, &reloadRequests)
					handled = output.Event != nil
				}
			}
		}
		if !handled {
			for _, entry := range e.decoders {
				for _, handler := range entry.addresses[txLog.Address] {
					output, produced := e.invoke(ctx, entry.name, handler, dctx)
					if !produced {
						continue
					}
					events, actionItems = e.absorb(events, actionItems, output, noteMatch, &reloadRequests)
					if output.Event != nil {
						handled = true
						break
					}
				}
				if handled {
					break
				}
			}
		}
		if !handled {
			for _, generic := range []struct {
				name    string
				handler Handler
			}{
				{"erc20-approve", e.maybeDecodeERC20Approve},
				{"erc20-transfer", e.maybeDecodeERC20721Transfer},
			} {
				output, produced := e.invoke(ctx, generic.name, generic.handler, dctx)
				if produced {
					events, actionItems = e.absorb(events, actionItems, output, noteMatch, &reloadRequests)
					break
				}
			}
		}
	}

	if tx.To != nil {
		noteMatch(e.addressToCounterparty[*tx.To])
	}
	for _, counterparty := range matchedCounterparty {
		for _, rule := range e.postRules[counterparty] {
			modified, err := rule.Rule(ctx, tx, events, receipt.Logs)
			if err != nil {
				e.logger.Error("post-decoding rule failed",
					zap.String("counterparty", counterparty),
					zap.String("tx", tx.Hash.Hex()),
					zap.Error(err))
				continue
			}
			events = modified
		}
	}

	// Unconsumed action items are discarded here.
	if len(reloadRequests) > 0 {
		e.mu.RUnlock()
		err := e.ReloadData(ctx, reloadRequests...)
		e.mu.RLock()
		if err != nil {
			e.logger.Error("requested decoder reload failed",
				zap.String("tx", tx.Hash.Hex()),
				zap.Error(err))
		}
	}

	sort.SliceStable(events, func(i, j int) bool {
		return events[i].SequenceIndex < events[j].SequenceIndex
	})
	return events, nil
}

// invoke runs one handler, absorbing panics and logging failures. The second
// return value reports whether the handler produced anything.
func (e *Engine) invoke(ctx context.Context, name string, h Handler, dctx *DecoderContext) (output DecodingOutput, produced bool) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("decoder handler panicked",
				zap.String("decoder", name),
				zap.String("tx", dctx.Transaction.Hash.Hex()),
				zap.Uint64("log_index", dctx.TxLog.LogIndex),
				zap.Any("panic", r))
			output, produced = DefaultDecodingOutput, false
		}
	}()
	output, err := h(ctx, dctx)
	if err != nil {
		e.logger.Error("decoder handler failed",
			zap.String("decoder", name),
			zap.String("tx", dctx.Transaction.Hash.Hex()),
			zap.Uint64("log_index", dctx.TxLog.LogIndex),
			zap.Error(err))
		return DefaultDecodingOutput, false
	}
	produced = output.Event != nil || len(output.ActionItems) > 0 ||
		output.MatchedCounterparty != "" || len(output.ReloadDecoders) > 0
	return output, produced
}

// absorb merges a handler's output into the running state and re-scans the
// action item queue.
func (e *Engine) absorb(events []*model.HistoryEvent, items []*ActionItem, output DecodingOutput, noteMatch func(string), reloads *[]string) ([]*model.HistoryEvent, []*ActionItem) {
	if output.Event != nil {
		events = append(events, output.Event)
	}
	items = append(items, output.ActionItems...)
	noteMatch(output.MatchedCounterparty)
	*reloads = append(*reloads, output.ReloadDecoders...)
	return e.applyActionItems(events, items)
}

// applyActionItems scans the current events against the queued items.
// Transform and skip items consume themselves on their first match;
// skip-and-keep items stay queued and remember which events they saw.
func (e *Engine) applyActionItems(events []*model.HistoryEvent, items []*ActionItem) ([]*model.HistoryEvent, []*ActionItem) {
	remaining := items[:0:0]
	for _, item := range items {
		matchedAt := -1
		for i, event := range events {
			if item.Action == ActionSkipAndKeep && item.seen != nil {
				if _, ok := item.seen[event]; ok {
					continue
				}
			}
			if item.Matches(event) {
				matchedAt = i
				break
			}
		}
		if matchedAt == -1 {
			remaining = append(remaining, item)
			continue
		}
		matched := events[matchedAt]
		switch item.Action {
		case ActionSkip:
			events = append(events[:matchedAt], events[matchedAt+1:]...)
		case ActionSkipAndKeep:
			if item.seen == nil {
				item.seen = make(map[*model.HistoryEvent]struct{})
			}
			item.seen[matched] = struct{}{}
			remaining = append(remaining, item)
		case ActionTransform:
			item.Apply(matched)
			if len(item.PairedEvents) > 0 {
				var ordered []*model.HistoryEvent
				if item.PairedEventsFirst {
					ordered = append(append(ordered, item.PairedEvents...), matched)
				} else {
					ordered = append([]*model.HistoryEvent{matched}, item.PairedEvents...)
				}
				MaybeReshuffleEvents(ordered, events)
			}
		}
	}
	return events, remaining
}
