package reconciler_test

import (
	"context"
	"encoding/hex"
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"DlcCoordinator/internal/dlc"
	"DlcCoordinator/internal/engine"
	"DlcCoordinator/internal/event"
	"DlcCoordinator/internal/position"
	"DlcCoordinator/internal/reconciler"
)

// ============================================================================
// Fakes
// ============================================================================

// memStore is an in-memory stand-in for the Postgres shadow store with the
// same row-matching semantics: channel updates keyed by channel id report
// dlc.ErrNotFound on a missing row, failure transitions keyed by protocol id
// tolerate missing rows, and txid fields are write-once.
type memStore struct {
	channels  map[dlc.ChannelID]*dlc.Channel
	protocols map[dlc.ProtocolID]*dlc.Protocol
	positions []*position.Position
	nextPosID int64
}

func newMemStore() *memStore {
	return &memStore{
		channels:  make(map[dlc.ChannelID]*dlc.Channel),
		protocols: make(map[dlc.ProtocolID]*dlc.Protocol),
		nextPosID: 1,
	}
}

func (s *memStore) InsertPendingChannel(_ context.Context, protocolID dlc.ProtocolID, channelID dlc.ChannelID, trader dlc.PublicKey) error {
	if _, ok := s.channels[channelID]; ok {
		return nil
	}
	s.channels[channelID] = &dlc.Channel{
		OpenProtocolID: protocolID,
		ChannelID:      channelID,
		Trader:         trader,
		ChannelState:   dlc.ChannelStatePending,
	}
	return nil
}

func (s *memStore) SetChannelOpen(_ context.Context, protocolID dlc.ProtocolID, channelID dlc.ChannelID, fundingTxid dlc.Txid, coordinatorReserveSats, traderReserveSats, coordinatorFundingSats, traderFundingSats uint64) error {
	ch, ok := s.channels[channelID]
	if !ok || ch.OpenProtocolID != protocolID {
		return dlc.ErrNotFound
	}
	ch.ChannelState = dlc.ChannelStateOpen
	if ch.FundingTxid == nil {
		ch.FundingTxid = &fundingTxid
	}
	ch.CoordinatorReserveSats = coordinatorReserveSats
	ch.TraderReserveSats = traderReserveSats
	ch.CoordinatorFundingSats = coordinatorFundingSats
	ch.TraderFundingSats = traderFundingSats
	return nil
}

func (s *memStore) UpdateChannelBalances(_ context.Context, channelID dlc.ChannelID, coordinatorReserveSats, traderReserveSats uint64) error {
	ch, ok := s.channels[channelID]
	if !ok {
		return dlc.ErrNotFound
	}
	ch.CoordinatorReserveSats = coordinatorReserveSats
	ch.TraderReserveSats = traderReserveSats
	return nil
}

func (s *memStore) SetChannelForceClosing(_ context.Context, channelID dlc.ChannelID, bufferTxid dlc.Txid) error {
	ch, ok := s.channels[channelID]
	if !ok {
		return dlc.ErrNotFound
	}
	ch.ChannelState = dlc.ChannelStateClosing
	if ch.BufferTxid == nil {
		ch.BufferTxid = &bufferTxid
	}
	return nil
}

func (s *memStore) SetChannelForceClosingSettled(_ context.Context, channelID dlc.ChannelID, settleTxid dlc.Txid, claimTxid *dlc.Txid) error {
	ch, ok := s.channels[channelID]
	if !ok {
		return dlc.ErrNotFound
	}
	ch.ChannelState = dlc.ChannelStateClosing
	if ch.SettleTxid == nil {
		ch.SettleTxid = &settleTxid
	}
	if ch.ClaimTxid == nil && claimTxid != nil {
		ch.ClaimTxid = claimTxid
	}
	return nil
}

func (s *memStore) SetChannelPunished(_ context.Context, channelID dlc.ChannelID, punishTxid dlc.Txid) error {
	ch, ok := s.channels[channelID]
	if !ok {
		return dlc.ErrNotFound
	}
	ch.ChannelState = dlc.ChannelStateClosed
	if ch.PunishTxid == nil {
		ch.PunishTxid = &punishTxid
	}
	return nil
}

func (s *memStore) SetChannelCollabClosing(_ context.Context, channelID dlc.ChannelID, closeTxid dlc.Txid) error {
	ch, ok := s.channels[channelID]
	if !ok {
		return dlc.ErrNotFound
	}
	ch.ChannelState = dlc.ChannelStateClosing
	if ch.CloseTxid == nil {
		ch.CloseTxid = &closeTxid
	}
	return nil
}

func (s *memStore) SetChannelCollabClosed(_ context.Context, channelID dlc.ChannelID, closeTxid dlc.Txid) error {
	ch, ok := s.channels[channelID]
	if !ok {
		return dlc.ErrNotFound
	}
	ch.ChannelState = dlc.ChannelStateClosed
	if ch.CloseTxid == nil {
		ch.CloseTxid = &closeTxid
	}
	return nil
}

func (s *memStore) SetChannelFailed(_ context.Context, protocolID dlc.ProtocolID) error {
	for _, ch := range s.channels {
		if ch.OpenProtocolID == protocolID {
			ch.ChannelState = dlc.ChannelStateFailed
		}
	}
	return nil
}

func (s *memStore) SetChannelCancelled(_ context.Context, protocolID dlc.ProtocolID) error {
	for _, ch := range s.channels {
		if ch.OpenProtocolID == protocolID {
			ch.ChannelState = dlc.ChannelStateCancelled
		}
	}
	return nil
}

func (s *memStore) GetChannel(_ context.Context, channelID dlc.ChannelID) (*dlc.Channel, error) {
	ch, ok := s.channels[channelID]
	if !ok {
		return nil, dlc.ErrNotFound
	}
	cp := *ch
	return &cp, nil
}

func (s *memStore) GetProtocol(_ context.Context, id dlc.ProtocolID) (*dlc.Protocol, error) {
	p, ok := s.protocols[id]
	if !ok {
		return nil, dlc.ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (s *memStore) MarkProtocolFailed(_ context.Context, id dlc.ProtocolID) error {
	return s.markTerminal(id, dlc.ProtocolStateFailed)
}

func (s *memStore) MarkProtocolCancelled(_ context.Context, id dlc.ProtocolID) error {
	return s.markTerminal(id, dlc.ProtocolStateCancelled)
}

func (s *memStore) markTerminal(id dlc.ProtocolID, state dlc.ProtocolState) error {
	p, ok := s.protocols[id]
	if !ok {
		return dlc.ErrNotFound
	}
	if p.ProtocolState != dlc.ProtocolStatePending {
		return dlc.ErrAlreadyFinalized
	}
	p.ProtocolState = state
	return nil
}

func (s *memStore) addProtocol(p dlc.Protocol) {
	s.protocols[p.ProtocolID] = &p
}

func (s *memStore) addOpenPosition(trader dlc.PublicKey, quantity int64) *position.Position {
	pos := &position.Position{
		ID:       s.nextPosID,
		Trader:   trader,
		State:    position.StateOpen,
		Quantity: decimal.NewFromInt(quantity),
	}
	s.nextPosID++
	s.positions = append(s.positions, pos)
	return pos
}

func (s *memStore) SetOpenPositionToClosing(_ context.Context, trader dlc.PublicKey, closingPrice *decimal.Decimal) (int64, error) {
	var rows int64
	for _, pos := range s.positions {
		if pos.Trader == trader && pos.State == position.StateOpen {
			pos.State = position.StateClosing
			pos.ClosingPrice = closingPrice
			rows++
		}
	}
	return rows, nil
}

func (s *memStore) GetClosingPositionByTrader(_ context.Context, trader dlc.PublicKey) (*position.Position, error) {
	for i := len(s.positions) - 1; i >= 0; i-- {
		pos := s.positions[i]
		if pos.Trader == trader && pos.State == position.StateClosing {
			cp := *pos
			return &cp, nil
		}
	}
	return nil, dlc.ErrNotFound
}

func (s *memStore) SetPositionClosedWithPnl(_ context.Context, positionID int64, realizedPnlSat int64, closingPrice decimal.Decimal) (int64, error) {
	for _, pos := range s.positions {
		if pos.ID == positionID && pos.State == position.StateClosing {
			pos.State = position.StateClosed
			pos.RealizedPnlSat = &realizedPnlSat
			pos.ClosingPrice = &closingPrice
			return 1, nil
		}
	}
	return 0, nil
}

// fakeEngine serves canned channel and contract snapshots.
type fakeEngine struct {
	broadcaster   *engine.Broadcaster
	channelsByRef map[string]*engine.Channel
	contracts     map[dlc.ContractID]*engine.Contract

	ownBalance     map[dlc.ChannelID]uint64
	counterBalance map[dlc.ChannelID]uint64

	mineScript []byte
	isMineErr  error
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{
		broadcaster:    engine.NewBroadcaster(64),
		channelsByRef:  make(map[string]*engine.Channel),
		contracts:      make(map[dlc.ContractID]*engine.Contract),
		ownBalance:     make(map[dlc.ChannelID]uint64),
		counterBalance: make(map[dlc.ChannelID]uint64),
		mineScript:     []byte{0x51},
	}
}

func (e *fakeEngine) setChannel(ref []byte, ch *engine.Channel) {
	e.channelsByRef[hex.EncodeToString(ref)] = ch
}

func (e *fakeEngine) SubscribeChannelEvents() *engine.Subscription {
	return e.broadcaster.Subscribe()
}

func (e *fakeEngine) GetChannelByID(id dlc.ChannelID) (*engine.Channel, error) {
	for _, ch := range e.channelsByRef {
		if ch.ID == id {
			return ch, nil
		}
	}
	return nil, dlc.ErrNotFound
}

func (e *fakeEngine) GetChannelByReferenceID(ref []byte) (*engine.Channel, error) {
	ch, ok := e.channelsByRef[hex.EncodeToString(ref)]
	if !ok {
		return nil, dlc.ErrNotFound
	}
	return ch, nil
}

func (e *fakeEngine) GetContractByID(id dlc.ContractID) (*engine.Contract, error) {
	c, ok := e.contracts[id]
	if !ok {
		return nil, dlc.ErrNotFound
	}
	return c, nil
}

func (e *fakeEngine) GetUsableBalance(id dlc.ChannelID) (uint64, error) {
	return e.ownBalance[id], nil
}

func (e *fakeEngine) GetUsableBalanceCounterparty(id dlc.ChannelID) (uint64, error) {
	return e.counterBalance[id], nil
}

func (e *fakeEngine) CloseChannel(_ context.Context, _ dlc.ChannelID, _ bool) ([]byte, error) {
	return dlc.NewProtocolID().ReferenceID(), nil
}

func (e *fakeEngine) IsMine(script []byte) (bool, error) {
	if e.isMineErr != nil {
		return false, e.isMineErr
	}
	return len(script) == len(e.mineScript) && script[0] == e.mineScript[0], nil
}

type fakeFinisher struct {
	finished []dlc.ProtocolID
}

func (f *fakeFinisher) Finish(_ context.Context, protocolID dlc.ProtocolID, _ dlc.PublicKey, _ *dlc.ContractID, _ dlc.ChannelID) error {
	f.finished = append(f.finished, protocolID)
	return nil
}

// ============================================================================
// Fixture
// ============================================================================

type fixture struct {
	eng      *fakeEngine
	store    *memStore
	finisher *fakeFinisher
	rec      *reconciler.Reconciler
}

func newFixture() *fixture {
	eng := newFakeEngine()
	store := newMemStore()
	finisher := &fakeFinisher{}
	rec := reconciler.New(eng, store, store, store, finisher, 2, nil, zerolog.Nop())
	return &fixture{eng: eng, store: store, finisher: finisher, rec: rec}
}

const trader = dlc.PublicKey("02a1633cafcc01ebfb6d78e39f687a1f0995c62fc95f51ead10a02ee0be551b5dc")

func txid(t *testing.T, b byte) dlc.Txid {
	t.Helper()
	var id dlc.Txid
	id[0] = b
	return id
}

func channelID(t *testing.T, b byte) dlc.ChannelID {
	t.Helper()
	var id dlc.ChannelID
	id[0] = b
	return id
}

func contractID(t *testing.T, b byte) dlc.ContractID {
	t.Helper()
	var id dlc.ContractID
	id[0] = b
	return id
}

func ev(typ event.ChannelEventType, protocolID dlc.ProtocolID) event.ChannelEvent {
	return event.ChannelEvent{Type: typ, ReferenceID: protocolID.ReferenceID()}
}

// ============================================================================
// Test: OnChannelEvent
// ============================================================================

func TestOnChannelEvent_MissingReferenceID(t *testing.T) {
	f := newFixture()

	err := f.rec.OnChannelEvent(context.Background(), event.ChannelEvent{Type: event.ChannelEventOffered})
	if !errors.Is(err, dlc.ErrMissingReferenceID) {
		t.Fatalf("expected ErrMissingReferenceID, got %v", err)
	}
}

func TestOnChannelEvent_OfferedShadowsPendingChannel(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	protocolID := dlc.NewProtocolID()
	chID := channelID(t, 0x01)
	f.eng.setChannel(protocolID.ReferenceID(), &engine.Channel{
		ID:           chID,
		CounterParty: trader,
		Status:       engine.StatusOffered,
	})

	if err := f.rec.OnChannelEvent(ctx, ev(event.ChannelEventOffered, protocolID)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	ch, err := f.store.GetChannel(ctx, chID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ch.ChannelState != dlc.ChannelStatePending {
		t.Errorf("state: got %s, want Pending", ch.ChannelState)
	}
	if ch.Trader != trader {
		t.Errorf("trader: got %s, want %s", ch.Trader, trader)
	}
	if ch.OpenProtocolID != protocolID {
		t.Errorf("open protocol id: got %s, want %s", ch.OpenProtocolID, protocolID)
	}
}

func TestOnChannelEvent_OfferedRedeliveryIsNoop(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	protocolID := dlc.NewProtocolID()
	chID := channelID(t, 0x01)
	f.eng.setChannel(protocolID.ReferenceID(), &engine.Channel{
		ID:           chID,
		CounterParty: trader,
		Status:       engine.StatusOffered,
	})

	for i := 0; i < 2; i++ {
		if err := f.rec.OnChannelEvent(ctx, ev(event.ChannelEventOffered, protocolID)); err != nil {
			t.Fatalf("delivery %d: unexpected error: %v", i, err)
		}
	}
	if len(f.store.channels) != 1 {
		t.Errorf("channel rows: got %d, want 1", len(f.store.channels))
	}
}

func TestOnChannelEvent_EstablishedOpensChannel(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	protocolID := dlc.NewProtocolID()
	chID := channelID(t, 0x01)
	funding := txid(t, 0xaa)

	f.store.addProtocol(dlc.Protocol{
		ProtocolID:   protocolID,
		ChannelID:    chID,
		Trader:       trader,
		ProtocolType: dlc.ProtocolTypeOpenChannel,
	})
	f.eng.setChannel(protocolID.ReferenceID(), &engine.Channel{
		ID:           chID,
		CounterParty: trader,
		Status:       engine.StatusSigned,
		Signed: &engine.SignedChannel{
			SubState:              engine.SubStateEstablished,
			FundingTxid:           funding,
			OwnCollateralSats:     30_000,
			CounterCollateralSats: 20_000,
		},
	})
	f.eng.ownBalance[chID] = 30_000
	f.eng.counterBalance[chID] = 20_000

	if err := f.rec.OnChannelEvent(ctx, ev(event.ChannelEventOffered, protocolID)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := f.rec.OnChannelEvent(ctx, ev(event.ChannelEventEstablished, protocolID)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	ch, err := f.store.GetChannel(ctx, chID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ch.ChannelState != dlc.ChannelStateOpen {
		t.Errorf("state: got %s, want Open", ch.ChannelState)
	}
	if ch.FundingTxid == nil || *ch.FundingTxid != funding {
		t.Errorf("funding txid: got %v, want %s", ch.FundingTxid, funding)
	}
	if ch.CoordinatorReserveSats != 30_000 || ch.TraderReserveSats != 20_000 {
		t.Errorf("reserves: got %d/%d, want 30000/20000", ch.CoordinatorReserveSats, ch.TraderReserveSats)
	}
	if ch.CoordinatorFundingSats != 30_000 || ch.TraderFundingSats != 20_000 {
		t.Errorf("fundings: got %d/%d, want 30000/20000", ch.CoordinatorFundingSats, ch.TraderFundingSats)
	}
}

func TestOnChannelEvent_SettledUpdatesOnlyReserves(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	openID := dlc.NewProtocolID()
	settleID := dlc.NewProtocolID()
	chID := channelID(t, 0x01)

	f.store.channels[chID] = &dlc.Channel{
		OpenProtocolID:         openID,
		ChannelID:              chID,
		Trader:                 trader,
		ChannelState:           dlc.ChannelStateOpen,
		CoordinatorReserveSats: 30_000,
		TraderReserveSats:      20_000,
		CoordinatorFundingSats: 30_000,
		TraderFundingSats:      20_000,
	}
	f.store.addProtocol(dlc.Protocol{
		ProtocolID:         settleID,
		PreviousProtocolID: &openID,
		ChannelID:          chID,
		Trader:             trader,
		ProtocolType:       dlc.ProtocolTypeSettle,
	})
	f.eng.setChannel(settleID.ReferenceID(), &engine.Channel{
		ID:           chID,
		CounterParty: trader,
		Status:       engine.StatusSigned,
		Signed: &engine.SignedChannel{
			SubState:              engine.SubStateSettled,
			FundingTxid:           txid(t, 0xaa),
			OwnCollateralSats:     30_000,
			CounterCollateralSats: 20_000,
		},
	})
	f.eng.ownBalance[chID] = 36_000
	f.eng.counterBalance[chID] = 14_000

	if err := f.rec.OnChannelEvent(ctx, ev(event.ChannelEventSettled, settleID)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	ch, _ := f.store.GetChannel(ctx, chID)
	if ch.CoordinatorReserveSats != 36_000 || ch.TraderReserveSats != 14_000 {
		t.Errorf("reserves: got %d/%d, want 36000/14000", ch.CoordinatorReserveSats, ch.TraderReserveSats)
	}
	if ch.CoordinatorFundingSats != 30_000 || ch.TraderFundingSats != 20_000 {
		t.Errorf("fundings must not move: got %d/%d", ch.CoordinatorFundingSats, ch.TraderFundingSats)
	}
}

func TestOnChannelEvent_SignedWithCloseProtocolIsNoop(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	openID := dlc.NewProtocolID()
	closeID := dlc.NewProtocolID()
	chID := channelID(t, 0x01)

	f.store.channels[chID] = &dlc.Channel{
		OpenProtocolID:         openID,
		ChannelID:              chID,
		Trader:                 trader,
		ChannelState:           dlc.ChannelStateOpen,
		CoordinatorReserveSats: 30_000,
		TraderReserveSats:      20_000,
	}
	f.store.addProtocol(dlc.Protocol{
		ProtocolID:   closeID,
		ChannelID:    chID,
		Trader:       trader,
		ProtocolType: dlc.ProtocolTypeClose,
	})
	f.eng.setChannel(closeID.ReferenceID(), &engine.Channel{
		ID:           chID,
		CounterParty: trader,
		Status:       engine.StatusSigned,
		Signed: &engine.SignedChannel{
			SubState:    engine.SubStateSettled,
			FundingTxid: txid(t, 0xaa),
		},
	})
	f.eng.ownBalance[chID] = 50_000
	f.eng.counterBalance[chID] = 0

	if err := f.rec.OnChannelEvent(ctx, ev(event.ChannelEventSettled, closeID)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	ch, _ := f.store.GetChannel(ctx, chID)
	if ch.CoordinatorReserveSats != 30_000 || ch.TraderReserveSats != 20_000 {
		t.Errorf("reserves must not move on closure: got %d/%d", ch.CoordinatorReserveSats, ch.TraderReserveSats)
	}
}

func TestOnChannelEvent_EstablishedNotSigned(t *testing.T) {
	f := newFixture()

	protocolID := dlc.NewProtocolID()
	f.eng.setChannel(protocolID.ReferenceID(), &engine.Channel{
		ID:           channelID(t, 0x01),
		CounterParty: trader,
		Status:       engine.StatusOffered,
	})

	err := f.rec.OnChannelEvent(context.Background(), ev(event.ChannelEventEstablished, protocolID))
	if !errors.Is(err, dlc.ErrUnexpectedChannelState) {
		t.Fatalf("expected ErrUnexpectedChannelState, got %v", err)
	}
}

func TestOnChannelEvent_IntermediateEventsIgnored(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	// No protocol, no channel: the handlers must not touch anything.
	protocolID := dlc.NewProtocolID()
	for _, typ := range []event.ChannelEventType{
		event.ChannelEventAccepted,
		event.ChannelEventSettledOffered,
		event.ChannelEventSettledReceived,
		event.ChannelEventSettledAccepted,
		event.ChannelEventSettledConfirmed,
		event.ChannelEventRenewOffered,
		event.ChannelEventRenewAccepted,
		event.ChannelEventRenewConfirmed,
		event.ChannelEventRenewFinalized,
	} {
		if err := f.rec.OnChannelEvent(ctx, ev(typ, protocolID)); err != nil {
			t.Errorf("%s: unexpected error: %v", typ, err)
		}
	}
}

func TestOnChannelEvent_UnknownTagRejected(t *testing.T) {
	f := newFixture()

	protocolID := dlc.NewProtocolID()
	f.eng.setChannel(protocolID.ReferenceID(), &engine.Channel{ID: channelID(t, 0x01)})

	err := f.rec.OnChannelEvent(context.Background(), ev(event.ChannelEventType(99), protocolID))
	if err == nil {
		t.Fatal("expected error for unknown event tag")
	}
}

func TestOnChannelEvent_DeletedFailsProtocol(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	protocolID := dlc.NewProtocolID()
	chID := channelID(t, 0x01)
	f.store.addProtocol(dlc.Protocol{
		ProtocolID:   protocolID,
		ChannelID:    chID,
		Trader:       trader,
		ProtocolType: dlc.ProtocolTypeOpenChannel,
	})
	f.store.channels[chID] = &dlc.Channel{
		OpenProtocolID: protocolID,
		ChannelID:      chID,
		Trader:         trader,
		ChannelState:   dlc.ChannelStatePending,
	}

	if err := f.rec.OnChannelEvent(ctx, ev(event.ChannelEventDeleted, protocolID)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	p, _ := f.store.GetProtocol(ctx, protocolID)
	if p.ProtocolState != dlc.ProtocolStateFailed {
		t.Errorf("protocol state: got %s, want Failed", p.ProtocolState)
	}
	ch, _ := f.store.GetChannel(ctx, chID)
	if ch.ChannelState != dlc.ChannelStateFailed {
		t.Errorf("channel state: got %s, want Failed", ch.ChannelState)
	}
}

func TestOnChannelEvent_CancelledMarksProtocolAndChannel(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	protocolID := dlc.NewProtocolID()
	chID := channelID(t, 0x01)
	f.store.addProtocol(dlc.Protocol{
		ProtocolID:   protocolID,
		ChannelID:    chID,
		Trader:       trader,
		ProtocolType: dlc.ProtocolTypeOpenChannel,
	})
	f.store.channels[chID] = &dlc.Channel{
		OpenProtocolID: protocolID,
		ChannelID:      chID,
		Trader:         trader,
		ChannelState:   dlc.ChannelStatePending,
	}

	if err := f.rec.OnChannelEvent(ctx, ev(event.ChannelEventCancelled, protocolID)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	p, _ := f.store.GetProtocol(ctx, protocolID)
	if p.ProtocolState != dlc.ProtocolStateCancelled {
		t.Errorf("protocol state: got %s, want Cancelled", p.ProtocolState)
	}
	ch, _ := f.store.GetChannel(ctx, chID)
	if ch.ChannelState != dlc.ChannelStateCancelled {
		t.Errorf("channel state: got %s, want Cancelled", ch.ChannelState)
	}
}

func TestOnChannelEvent_DeletedRedeliveryIsNoop(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	protocolID := dlc.NewProtocolID()
	chID := channelID(t, 0x01)
	f.store.addProtocol(dlc.Protocol{
		ProtocolID:   protocolID,
		ChannelID:    chID,
		Trader:       trader,
		ProtocolType: dlc.ProtocolTypeOpenChannel,
	})
	f.store.channels[chID] = &dlc.Channel{
		OpenProtocolID: protocolID,
		ChannelID:      chID,
		Trader:         trader,
		ChannelState:   dlc.ChannelStatePending,
	}

	for i := 0; i < 2; i++ {
		if err := f.rec.OnChannelEvent(ctx, ev(event.ChannelEventDeleted, protocolID)); err != nil {
			t.Fatalf("delivery %d: unexpected error: %v", i, err)
		}
	}

	p, _ := f.store.GetProtocol(ctx, protocolID)
	if p.ProtocolState != dlc.ProtocolStateFailed {
		t.Errorf("protocol state: got %s, want Failed", p.ProtocolState)
	}
	ch, _ := f.store.GetChannel(ctx, chID)
	if ch.ChannelState != dlc.ChannelStateFailed {
		t.Errorf("channel state: got %s, want Failed", ch.ChannelState)
	}
}

func TestOnChannelEvent_CancelledRedeliveryIsNoop(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	protocolID := dlc.NewProtocolID()
	chID := channelID(t, 0x01)
	f.store.addProtocol(dlc.Protocol{
		ProtocolID:   protocolID,
		ChannelID:    chID,
		Trader:       trader,
		ProtocolType: dlc.ProtocolTypeOpenChannel,
	})
	f.store.channels[chID] = &dlc.Channel{
		OpenProtocolID: protocolID,
		ChannelID:      chID,
		Trader:         trader,
		ChannelState:   dlc.ChannelStatePending,
	}

	for i := 0; i < 2; i++ {
		if err := f.rec.OnChannelEvent(ctx, ev(event.ChannelEventCancelled, protocolID)); err != nil {
			t.Fatalf("delivery %d: unexpected error: %v", i, err)
		}
	}

	ch, _ := f.store.GetChannel(ctx, chID)
	if ch.ChannelState != dlc.ChannelStateCancelled {
		t.Errorf("channel state: got %s, want Cancelled", ch.ChannelState)
	}
}

func TestOnChannelEvent_DeletedAfterSuccessConflicts(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	// A Deleted event for a protocol already finalized as Success is a real
	// conflict, not a redelivery, and must surface.
	protocolID := dlc.NewProtocolID()
	f.store.addProtocol(dlc.Protocol{
		ProtocolID:    protocolID,
		ChannelID:     channelID(t, 0x01),
		Trader:        trader,
		ProtocolType:  dlc.ProtocolTypeOpenChannel,
		ProtocolState: dlc.ProtocolStateSuccess,
	})

	err := f.rec.OnChannelEvent(ctx, ev(event.ChannelEventDeleted, protocolID))
	if !errors.Is(err, dlc.ErrAlreadyFinalized) {
		t.Fatalf("expected ErrAlreadyFinalized, got %v", err)
	}
}

func TestOnChannelEvent_FailedAcceptWithoutShadowRow(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	// The protocol exists but Offered was never shadowed; the channel update
	// must be tolerated.
	protocolID := dlc.NewProtocolID()
	f.store.addProtocol(dlc.Protocol{
		ProtocolID:   protocolID,
		ChannelID:    channelID(t, 0x01),
		Trader:       trader,
		ProtocolType: dlc.ProtocolTypeOpenChannel,
	})

	if err := f.rec.OnChannelEvent(ctx, ev(event.ChannelEventFailedAccept, protocolID)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	p, _ := f.store.GetProtocol(ctx, protocolID)
	if p.ProtocolState != dlc.ProtocolStateFailed {
		t.Errorf("protocol state: got %s, want Failed", p.ProtocolState)
	}
}

func TestOnChannelEvent_ClosingRecordsBufferTxid(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	protocolID := dlc.NewProtocolID()
	chID := channelID(t, 0x01)
	buffer := txid(t, 0xbb)

	f.store.channels[chID] = &dlc.Channel{
		OpenProtocolID: protocolID,
		ChannelID:      chID,
		Trader:         trader,
		ChannelState:   dlc.ChannelStateOpen,
	}
	f.eng.setChannel(protocolID.ReferenceID(), &engine.Channel{
		ID:           chID,
		CounterParty: trader,
		Status:       engine.StatusClosing,
		Closing:      &engine.ClosingChannel{BufferTxid: buffer},
	})

	if err := f.rec.OnChannelEvent(ctx, ev(event.ChannelEventClosing, protocolID)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	ch, _ := f.store.GetChannel(ctx, chID)
	if ch.ChannelState != dlc.ChannelStateClosing {
		t.Errorf("state: got %s, want Closing", ch.ChannelState)
	}
	if ch.BufferTxid == nil || *ch.BufferTxid != buffer {
		t.Errorf("buffer txid: got %v, want %s", ch.BufferTxid, buffer)
	}
}

func TestOnChannelEvent_ClosedPunished(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	protocolID := dlc.NewProtocolID()
	chID := channelID(t, 0x01)
	punish := txid(t, 0xcc)

	f.store.channels[chID] = &dlc.Channel{
		OpenProtocolID: protocolID,
		ChannelID:      chID,
		Trader:         trader,
		ChannelState:   dlc.ChannelStateOpen,
	}
	f.eng.setChannel(protocolID.ReferenceID(), &engine.Channel{
		ID:           chID,
		CounterParty: trader,
		Status:       engine.StatusClosedPunished,
		Punished:     &engine.PunishedChannel{PunishTxid: punish},
	})

	if err := f.rec.OnChannelEvent(ctx, ev(event.ChannelEventClosedPunished, protocolID)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	ch, _ := f.store.GetChannel(ctx, chID)
	if ch.ChannelState != dlc.ChannelStateClosed {
		t.Errorf("state: got %s, want Closed", ch.ChannelState)
	}
	if ch.PunishTxid == nil || *ch.PunishTxid != punish {
		t.Errorf("punish txid: got %v, want %s", ch.PunishTxid, punish)
	}
}

// ============================================================================
// Test: CheckChannelClosure
// ============================================================================

func TestCheckChannelClosure_ClosingMarksOpenPosition(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	protocolID := dlc.NewProtocolID()
	chID := channelID(t, 0x01)
	f.eng.setChannel(protocolID.ReferenceID(), &engine.Channel{
		ID:           chID,
		CounterParty: trader,
		Status:       engine.StatusClosing,
		Closing:      &engine.ClosingChannel{BufferTxid: txid(t, 0xbb)},
	})
	pos := f.store.addOpenPosition(trader, 100)

	if err := f.rec.CheckChannelClosure(ctx, ev(event.ChannelEventClosing, protocolID)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if f.store.positions[0].State != position.StateClosing {
		t.Errorf("position state: got %s, want Closing", f.store.positions[0].State)
	}
	if f.store.positions[0].ClosingPrice != nil {
		t.Error("closing price must stay unknown until the oracle attests")
	}
	if f.store.positions[0].ID != pos.ID {
		t.Errorf("position id: got %d, want %d", f.store.positions[0].ID, pos.ID)
	}
}

func TestCheckChannelClosure_ClosingWithoutPositionTolerated(t *testing.T) {
	f := newFixture()

	protocolID := dlc.NewProtocolID()
	f.eng.setChannel(protocolID.ReferenceID(), &engine.Channel{
		ID:           channelID(t, 0x01),
		CounterParty: trader,
		Status:       engine.StatusClosing,
	})

	if err := f.rec.CheckChannelClosure(context.Background(), ev(event.ChannelEventClosing, protocolID)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestCheckChannelClosure_CounterClosedSettlesPnl(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	protocolID := dlc.NewProtocolID()
	chID := channelID(t, 0x01)
	conID := contractID(t, 0x02)

	f.store.addProtocol(dlc.Protocol{
		ProtocolID:   protocolID,
		ChannelID:    chID,
		ContractID:   &conID,
		Trader:       trader,
		ProtocolType: dlc.ProtocolTypeForceClose,
	})
	f.store.channels[chID] = &dlc.Channel{
		OpenProtocolID:    protocolID,
		ChannelID:         chID,
		Trader:            trader,
		ChannelState:      dlc.ChannelStateClosing,
		TraderReserveSats: 20_000,
	}
	f.eng.contracts[conID] = &engine.Contract{
		ID:    conID,
		State: engine.ContractClosed,
		// 101101 in base 2 is 45.
		Attestations: []engine.Attestation{{Outcomes: []string{"1", "0", "1", "1", "0", "1"}}},
		SignedCET: &engine.Transaction{
			Txid: txid(t, 0xdd),
			Outputs: []engine.TxOut{
				{ValueSats: 29_500, ScriptPubKey: f.eng.mineScript},
				{ValueSats: 20_500, ScriptPubKey: []byte{0x52}},
			},
		},
	}

	f.store.addOpenPosition(trader, 100)
	if _, err := f.store.SetOpenPositionToClosing(ctx, trader, nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if err := f.rec.CheckChannelClosure(ctx, ev(event.ChannelEventCounterClosed, protocolID)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	pos := f.store.positions[0]
	if pos.State != position.StateClosed {
		t.Fatalf("position state: got %s, want Closed", pos.State)
	}
	if pos.RealizedPnlSat == nil || *pos.RealizedPnlSat != 500 {
		t.Errorf("realized pnl: got %v, want 500", pos.RealizedPnlSat)
	}
	if pos.ClosingPrice == nil || !pos.ClosingPrice.Equal(decimal.NewFromInt(45)) {
		t.Errorf("closing price: got %v, want 45", pos.ClosingPrice)
	}
}

func TestCheckChannelClosure_WalletLookupFailureAbortsSettlement(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	protocolID := dlc.NewProtocolID()
	chID := channelID(t, 0x01)
	conID := contractID(t, 0x02)

	f.store.addProtocol(dlc.Protocol{
		ProtocolID:   protocolID,
		ChannelID:    chID,
		ContractID:   &conID,
		Trader:       trader,
		ProtocolType: dlc.ProtocolTypeForceClose,
	})
	f.store.channels[chID] = &dlc.Channel{
		OpenProtocolID:    protocolID,
		ChannelID:         chID,
		Trader:            trader,
		ChannelState:      dlc.ChannelStateClosing,
		TraderReserveSats: 20_000,
	}
	f.eng.contracts[conID] = &engine.Contract{
		ID:           conID,
		State:        engine.ContractClosed,
		Attestations: []engine.Attestation{{Outcomes: []string{"1", "0", "1"}}},
		SignedCET: &engine.Transaction{
			Txid: txid(t, 0xdd),
			Outputs: []engine.TxOut{
				{ValueSats: 29_500, ScriptPubKey: f.eng.mineScript},
				{ValueSats: 20_500, ScriptPubKey: []byte{0x52}},
			},
		},
	}
	f.store.addOpenPosition(trader, 100)
	if _, err := f.store.SetOpenPositionToClosing(ctx, trader, nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// With the wallet unreachable no output can be classified; summing every
	// output as trader-owned would record a wildly wrong pnl. The event must
	// fail so delivery is retried, leaving the position untouched.
	lookupErr := errors.New("wallet unavailable")
	f.eng.isMineErr = lookupErr

	err := f.rec.CheckChannelClosure(ctx, ev(event.ChannelEventCounterClosed, protocolID))
	if !errors.Is(err, lookupErr) {
		t.Fatalf("expected wallet lookup error, got %v", err)
	}

	pos := f.store.positions[0]
	if pos.State != position.StateClosing {
		t.Errorf("position state: got %s, want Closing", pos.State)
	}
	if pos.RealizedPnlSat != nil {
		t.Errorf("realized pnl must stay unset, got %d", *pos.RealizedPnlSat)
	}

	// Once the wallet answers again the retried event settles normally.
	f.eng.isMineErr = nil
	if err := f.rec.CheckChannelClosure(ctx, ev(event.ChannelEventCounterClosed, protocolID)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	pos = f.store.positions[0]
	if pos.State != position.StateClosed {
		t.Fatalf("position state: got %s, want Closed", pos.State)
	}
	if pos.RealizedPnlSat == nil || *pos.RealizedPnlSat != 500 {
		t.Errorf("realized pnl: got %v, want 500", pos.RealizedPnlSat)
	}
}

func TestCheckChannelClosure_ClosedContractNotReady(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	protocolID := dlc.NewProtocolID()
	chID := channelID(t, 0x01)
	conID := contractID(t, 0x02)

	f.store.addProtocol(dlc.Protocol{
		ProtocolID:   protocolID,
		ChannelID:    chID,
		ContractID:   &conID,
		Trader:       trader,
		ProtocolType: dlc.ProtocolTypeForceClose,
	})
	f.eng.contracts[conID] = &engine.Contract{
		ID:    conID,
		State: engine.ContractConfirmed,
	}

	err := f.rec.CheckChannelClosure(ctx, ev(event.ChannelEventClosed, protocolID))
	if !errors.Is(err, dlc.ErrUnexpectedContractState) {
		t.Fatalf("expected ErrUnexpectedContractState, got %v", err)
	}
}

func TestCheckChannelClosure_ClosedWithoutContractID(t *testing.T) {
	f := newFixture()

	protocolID := dlc.NewProtocolID()
	f.store.addProtocol(dlc.Protocol{
		ProtocolID:   protocolID,
		ChannelID:    channelID(t, 0x01),
		Trader:       trader,
		ProtocolType: dlc.ProtocolTypeForceClose,
	})

	err := f.rec.CheckChannelClosure(context.Background(), ev(event.ChannelEventClosed, protocolID))
	if !errors.Is(err, dlc.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestCheckChannelClosure_CollaborativelyClosedFinishesProtocol(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	protocolID := dlc.NewProtocolID()
	chID := channelID(t, 0x01)
	f.eng.setChannel(protocolID.ReferenceID(), &engine.Channel{
		ID:           chID,
		CounterParty: trader,
		Status:       engine.StatusCollaborativelyClosed,
		Closed:       &engine.ClosedChannel{ClosingTxid: txid(t, 0xee)},
	})

	if err := f.rec.CheckChannelClosure(ctx, ev(event.ChannelEventCollaborativelyClosed, protocolID)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(f.finisher.finished) != 1 || f.finisher.finished[0] != protocolID {
		t.Errorf("finished protocols: got %v, want [%s]", f.finisher.finished, protocolID)
	}
}

func TestCheckChannelClosure_NonClosureEventsIgnored(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	protocolID := dlc.NewProtocolID()
	for _, typ := range []event.ChannelEventType{
		event.ChannelEventOffered,
		event.ChannelEventEstablished,
		event.ChannelEventSettled,
		event.ChannelEventCancelled,
	} {
		if err := f.rec.CheckChannelClosure(ctx, ev(typ, protocolID)); err != nil {
			t.Errorf("%s: unexpected error: %v", typ, err)
		}
	}
}

// ============================================================================
// Test: end-to-end force closure
// ============================================================================

func TestReconciler_ForceClosureLifecycle(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	openID := dlc.NewProtocolID()
	chID := channelID(t, 0x01)
	conID := contractID(t, 0x02)
	funding := txid(t, 0xaa)
	buffer := txid(t, 0xbb)

	f.store.addProtocol(dlc.Protocol{
		ProtocolID:   openID,
		ChannelID:    chID,
		ContractID:   &conID,
		Trader:       trader,
		ProtocolType: dlc.ProtocolTypeOpenChannel,
	})
	f.eng.setChannel(openID.ReferenceID(), &engine.Channel{
		ID:           chID,
		CounterParty: trader,
		Status:       engine.StatusOffered,
	})
	f.store.addOpenPosition(trader, 100)

	// Offered shadows the channel.
	if err := f.rec.OnChannelEvent(ctx, ev(event.ChannelEventOffered, openID)); err != nil {
		t.Fatalf("offered: %v", err)
	}

	// Established opens it.
	f.eng.setChannel(openID.ReferenceID(), &engine.Channel{
		ID:           chID,
		CounterParty: trader,
		Status:       engine.StatusSigned,
		Signed: &engine.SignedChannel{
			SubState:              engine.SubStateEstablished,
			FundingTxid:           funding,
			OwnCollateralSats:     30_000,
			CounterCollateralSats: 20_000,
		},
	})
	f.eng.ownBalance[chID] = 30_000
	f.eng.counterBalance[chID] = 20_000
	if err := f.rec.OnChannelEvent(ctx, ev(event.ChannelEventEstablished, openID)); err != nil {
		t.Fatalf("established: %v", err)
	}

	// Force close: the buffer transaction hits the chain.
	f.eng.setChannel(openID.ReferenceID(), &engine.Channel{
		ID:           chID,
		CounterParty: trader,
		Status:       engine.StatusClosing,
		Closing:      &engine.ClosingChannel{BufferTxid: buffer},
	})
	closing := ev(event.ChannelEventClosing, openID)
	if err := f.rec.OnChannelEvent(ctx, closing); err != nil {
		t.Fatalf("closing shadow: %v", err)
	}
	if err := f.rec.CheckChannelClosure(ctx, closing); err != nil {
		t.Fatalf("closing closure check: %v", err)
	}
	if f.store.positions[0].State != position.StateClosing {
		t.Fatalf("position state: got %s, want Closing", f.store.positions[0].State)
	}

	// The CET confirms and the oracle attestation prices the closure.
	f.eng.contracts[conID] = &engine.Contract{
		ID:           conID,
		State:        engine.ContractPreClosed,
		Attestations: []engine.Attestation{{Outcomes: []string{"1", "0", "1"}}},
		SignedCET: &engine.Transaction{
			Txid: txid(t, 0xdd),
			Outputs: []engine.TxOut{
				{ValueSats: 29_500, ScriptPubKey: f.eng.mineScript},
				{ValueSats: 20_500, ScriptPubKey: []byte{0x52}},
			},
		},
	}
	f.eng.setChannel(openID.ReferenceID(), &engine.Channel{
		ID:           chID,
		CounterParty: trader,
		Status:       engine.StatusCounterClosed,
		Closed:       &engine.ClosedChannel{ClosingTxid: txid(t, 0xdd)},
	})
	closed := ev(event.ChannelEventCounterClosed, openID)
	if err := f.rec.OnChannelEvent(ctx, closed); err != nil {
		t.Fatalf("closed shadow: %v", err)
	}
	if err := f.rec.CheckChannelClosure(ctx, closed); err != nil {
		t.Fatalf("closed closure check: %v", err)
	}

	ch, err := f.store.GetChannel(ctx, chID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ch.ChannelState != dlc.ChannelStateClosed {
		t.Errorf("channel state: got %s, want Closed", ch.ChannelState)
	}
	if ch.BufferTxid == nil || *ch.BufferTxid != buffer {
		t.Errorf("buffer txid: got %v, want %s", ch.BufferTxid, buffer)
	}

	pos := f.store.positions[0]
	if pos.State != position.StateClosed {
		t.Fatalf("position state: got %s, want Closed", pos.State)
	}
	if pos.RealizedPnlSat == nil || *pos.RealizedPnlSat != 500 {
		t.Errorf("realized pnl: got %v, want 500", pos.RealizedPnlSat)
	}
	if pos.ClosingPrice == nil || !pos.ClosingPrice.Equal(decimal.NewFromInt(5)) {
		t.Errorf("closing price: got %v, want 5", pos.ClosingPrice)
	}
}
