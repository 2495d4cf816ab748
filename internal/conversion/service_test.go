package conversion

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"postback_service/internal/commission"
	"postback_service/internal/house"
)

type fakeDirectory struct {
	users map[string]*house.User          // subid -> user
	links map[string]*house.AffiliateLink // subid -> link
}

func (d *fakeDirectory) FindHouseByToken(ctx context.Context, token string) (*house.BettingHouse, error) {
	return nil, house.ErrHouseNotFound
}

func (d *fakeDirectory) FindAffiliateBySubid(ctx context.Context, houseID, subid string) (*house.User, *house.AffiliateLink, error) {
	u, ok := d.users[subid]
	if !ok {
		return nil, nil, house.ErrAffiliateNotFound
	}
	return u, d.links[subid], nil
}

type fakeLedger struct {
	mu          sync.Mutex
	conversions []*Conversion
	clicks      []*Click
	insertErr   error
	missLookups int // forces the pre-insert idempotency lookup to miss
}

func (l *fakeLedger) InsertConversion(ctx context.Context, c *Conversion) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.insertErr != nil {
		return l.insertErr
	}
	for _, existing := range l.conversions {
		if existing.HouseID == c.HouseID && existing.IdempotencyKey == c.IdempotencyKey {
			return ErrDuplicateKey
		}
	}
	l.conversions = append(l.conversions, c)
	return nil
}

func (l *fakeLedger) FindByIdempotencyKey(ctx context.Context, houseID, key string) (*Conversion, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.missLookups > 0 {
		l.missLookups--
		return nil, nil
	}
	for _, c := range l.conversions {
		if c.HouseID == houseID && c.IdempotencyKey == key {
			return c, nil
		}
	}
	return nil, nil
}

func (l *fakeLedger) InsertClick(ctx context.Context, c *Click) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.insertErr != nil {
		return l.insertErr
	}
	l.clicks = append(l.clicks, c)
	return nil
}

func (l *fakeLedger) TotalsByAffiliate(ctx context.Context, userID string, from, to time.Time) ([]AggregateRow, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	rows := map[string]*AggregateRow{}
	for _, c := range l.conversions {
		if c.UserID == nil || *c.UserID != userID {
			continue
		}
		row, ok := rows[c.Type]
		if !ok {
			row = &AggregateRow{Type: c.Type}
			rows[c.Type] = row
		}
		row.Count++
		row.Amount = row.Amount.Add(c.Amount)
		row.Commission = row.Commission.Add(c.Commission)
		row.MasterCommission = row.MasterCommission.Add(c.MasterCommission)
	}
	var out []AggregateRow
	for _, row := range rows {
		out = append(out, *row)
	}
	return out, nil
}

func (l *fakeLedger) TotalsByHouse(ctx context.Context, houseID string, from, to time.Time) ([]AggregateRow, error) {
	return nil, nil
}

func (l *fakeLedger) UpdateStatus(ctx context.Context, id, status string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, c := range l.conversions {
		if c.ID == id {
			if c.Status != StatusPending {
				return ErrInvalidTransition
			}
			c.Status = status
			return nil
		}
	}
	return ErrConversionNotFound
}

type fakePublisher struct {
	mu     sync.Mutex
	events []string
}

func (p *fakePublisher) Publish(eventType string, payload interface{}) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, eventType)
}

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func revShareHouse() *house.BettingHouse {
	return &house.BettingHouse{
		ID:                       "house-1",
		Identifier:               "brazino",
		Name:                     "Brazino",
		CommissionType:           string(commission.TypeRevShare),
		RevShareValue:            dec("35"),
		RevShareAffiliatePercent: dec("20"),
		SecurityToken:            "tok-1",
		UnknownSubidPolicy:       house.UnknownSubidReject,
		IsActive:                 true,
	}
}

func directoryWith(subid string) *fakeDirectory {
	u := &house.User{ID: "user-1", Email: "aff@example.com", Name: "Affiliate"}
	link := &house.AffiliateLink{ID: "link-1", UserID: u.ID, HouseID: "house-1", Subid: subid, IsActive: true}
	return &fakeDirectory{
		users: map[string]*house.User{subid: u},
		links: map[string]*house.AffiliateLink{subid: link},
	}
}

func TestProcessPostbackRevShare(t *testing.T) {
	ledger := &fakeLedger{}
	pub := &fakePublisher{}
	svc := NewService(directoryWith("sub-1"), ledger, pub, nil)

	c, err := svc.ProcessPostback(context.Background(), revShareHouse(), PostbackRequest{
		EventType:     commission.EventDeposit,
		CustomerID:    "cust-9",
		Subid:         "sub-1",
		TransactionID: "tx-100",
		Amount:        dec("350.00"),
	})
	require.NoError(t, err)

	assert.True(t, c.Commission.Equal(dec("200.00")), "commission: %s", c.Commission)
	assert.True(t, c.MasterCommission.Equal(dec("150.00")), "master: %s", c.MasterCommission)
	assert.Equal(t, StatusPending, c.Status)
	assert.Equal(t, "revshare", c.CommissionType)
	require.NotNil(t, c.UserID)
	assert.Equal(t, "user-1", *c.UserID)
	require.NotNil(t, c.AffiliateLinkID)
	assert.Equal(t, "link-1", *c.AffiliateLinkID)

	require.Len(t, ledger.conversions, 1)
	assert.Equal(t, []string{EventConversionsUpdated}, pub.events)
}

func TestProcessPostbackIdempotentReplay(t *testing.T) {
	ledger := &fakeLedger{}
	svc := NewService(directoryWith("sub-1"), ledger, &fakePublisher{}, nil)

	req := PostbackRequest{
		EventType:     commission.EventDeposit,
		CustomerID:    "cust-9",
		Subid:         "sub-1",
		TransactionID: "tx-100",
		Amount:        dec("350.00"),
	}
	first, err := svc.ProcessPostback(context.Background(), revShareHouse(), req)
	require.NoError(t, err)
	second, err := svc.ProcessPostback(context.Background(), revShareHouse(), req)
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.Len(t, ledger.conversions, 1)
}

func TestProcessPostbackNoTransactionIDNoDedup(t *testing.T) {
	ledger := &fakeLedger{}
	svc := NewService(directoryWith("sub-1"), ledger, &fakePublisher{}, nil)

	req := PostbackRequest{
		EventType:  commission.EventDeposit,
		CustomerID: "cust-9",
		Subid:      "sub-1",
		Amount:     dec("350.00"),
	}
	_, err := svc.ProcessPostback(context.Background(), revShareHouse(), req)
	require.NoError(t, err)
	_, err = svc.ProcessPostback(context.Background(), revShareHouse(), req)
	require.NoError(t, err)

	// documented limitation: without a stable external id both rows land
	assert.Len(t, ledger.conversions, 2)
}

func TestProcessPostbackUnknownSubidReject(t *testing.T) {
	ledger := &fakeLedger{}
	svc := NewService(&fakeDirectory{}, ledger, &fakePublisher{}, nil)

	_, err := svc.ProcessPostback(context.Background(), revShareHouse(), PostbackRequest{
		EventType:  commission.EventDeposit,
		CustomerID: "cust-9",
		Subid:      "ghost",
		Amount:     dec("100.00"),
	})
	require.ErrorIs(t, err, ErrUnknownAffiliate)
	assert.Empty(t, ledger.conversions)
}

func TestProcessPostbackUnknownSubidRecord(t *testing.T) {
	ledger := &fakeLedger{}
	svc := NewService(&fakeDirectory{}, ledger, &fakePublisher{}, nil)

	h := revShareHouse()
	h.UnknownSubidPolicy = house.UnknownSubidRecord

	c, err := svc.ProcessPostback(context.Background(), h, PostbackRequest{
		EventType:  commission.EventDeposit,
		CustomerID: "cust-9",
		Subid:      "ghost",
		Amount:     dec("350.00"),
	})
	require.NoError(t, err)
	assert.Nil(t, c.UserID)
	assert.Nil(t, c.AffiliateLinkID)
	assert.True(t, c.Commission.Equal(dec("200.00")))
	assert.Len(t, ledger.conversions, 1)
}

func TestProcessPostbackUnqualifiedEventWritesNothing(t *testing.T) {
	ledger := &fakeLedger{}
	pub := &fakePublisher{}
	svc := NewService(directoryWith("sub-1"), ledger, pub, nil)

	// withdrawal is outside the revshare qualifying set; no silent zero row
	_, err := svc.ProcessPostback(context.Background(), revShareHouse(), PostbackRequest{
		EventType:     commission.EventWithdrawal,
		CustomerID:    "cust-9",
		Subid:         "sub-1",
		TransactionID: "tx-w1",
		Amount:        dec("350.00"),
	})
	require.ErrorIs(t, err, ErrUnqualifiedEvent)
	assert.Empty(t, ledger.conversions)
	assert.Empty(t, pub.events)

	// same for a registration on a revshare-only house
	_, err = svc.ProcessPostback(context.Background(), revShareHouse(), PostbackRequest{
		EventType:  commission.EventRegistration,
		CustomerID: "cust-9",
		Subid:      "sub-1",
	})
	require.ErrorIs(t, err, ErrUnqualifiedEvent)
	assert.Empty(t, ledger.conversions)
}

func TestTotalsByAffiliate(t *testing.T) {
	ledger := &fakeLedger{}
	svc := NewService(directoryWith("sub-1"), ledger, &fakePublisher{}, nil)

	for i, amount := range []string{"350.00", "70.00"} {
		_, err := svc.ProcessPostback(context.Background(), revShareHouse(), PostbackRequest{
			EventType:     commission.EventDeposit,
			CustomerID:    "cust-9",
			Subid:         "sub-1",
			TransactionID: "tx-agg-" + string(rune('a'+i)),
			Amount:        dec(amount),
		})
		require.NoError(t, err)
	}

	rows, err := svc.TotalsByAffiliate(context.Background(), "user-1", time.Now().Add(-time.Hour), time.Now().Add(time.Hour))
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "deposit", rows[0].Type)
	assert.EqualValues(t, 2, rows[0].Count)
	assert.True(t, rows[0].Amount.Equal(dec("420.00")), "amount: %s", rows[0].Amount)
	// 200 + 40 affiliate share out of the 35%-base/20%-cut split
	assert.True(t, rows[0].Commission.Equal(dec("240.00")), "commission: %s", rows[0].Commission)
	assert.True(t, rows[0].MasterCommission.Equal(dec("180.00")), "master: %s", rows[0].MasterCommission)
}

func TestProcessPostbackConfigurationErrorWritesNothing(t *testing.T) {
	ledger := &fakeLedger{}
	pub := &fakePublisher{}
	svc := NewService(directoryWith("sub-1"), ledger, pub, nil)

	h := revShareHouse()
	h.RevShareValue = decimal.Zero

	_, err := svc.ProcessPostback(context.Background(), h, PostbackRequest{
		EventType:  commission.EventDeposit,
		CustomerID: "cust-9",
		Subid:      "sub-1",
		Amount:     dec("350.00"),
	})
	require.ErrorIs(t, err, commission.ErrConfiguration)
	assert.Empty(t, ledger.conversions)
	assert.Empty(t, pub.events)
}

func TestProcessPostbackPersistenceError(t *testing.T) {
	ledger := &fakeLedger{insertErr: errors.New("connection refused")}
	svc := NewService(directoryWith("sub-1"), ledger, &fakePublisher{}, nil)

	_, err := svc.ProcessPostback(context.Background(), revShareHouse(), PostbackRequest{
		EventType:  commission.EventDeposit,
		CustomerID: "cust-9",
		Subid:      "sub-1",
		Amount:     dec("350.00"),
	})
	require.ErrorIs(t, err, ErrPersistence)
}

func TestProcessPostbackDuplicateRaceReturnsWinner(t *testing.T) {
	ledger := &fakeLedger{}
	svc := NewService(directoryWith("sub-1"), ledger, &fakePublisher{}, nil)

	req := PostbackRequest{
		EventType:     commission.EventDeposit,
		CustomerID:    "cust-9",
		Subid:         "sub-1",
		TransactionID: "tx-7",
		Amount:        dec("70.00"),
	}
	first, err := svc.ProcessPostback(context.Background(), revShareHouse(), req)
	require.NoError(t, err)

	// concurrent replay: the pre-insert lookup misses, the insert hits the
	// unique index, and the pipeline hands back the winning row
	ledger.missLookups = 1
	winner, err := svc.ProcessPostback(context.Background(), revShareHouse(), req)
	require.NoError(t, err)
	assert.Equal(t, first.ID, winner.ID)
}

func TestProcessClick(t *testing.T) {
	ledger := &fakeLedger{}
	pub := &fakePublisher{}
	svc := NewService(directoryWith("sub-1"), ledger, pub, nil)

	c, err := svc.ProcessClick(context.Background(), revShareHouse(), ClickRequest{
		Subid:       "sub-1",
		IPAddress:   "203.0.113.7",
		LandingPage: "/promo",
	})
	require.NoError(t, err)
	assert.Equal(t, "user-1", c.UserID)
	assert.Equal(t, "house-1", c.HouseID)
	require.Len(t, ledger.clicks, 1)
	assert.Equal(t, []string{EventClickRecorded}, pub.events)
}

func TestProcessClickUnknownSubid(t *testing.T) {
	svc := NewService(&fakeDirectory{}, &fakeLedger{}, &fakePublisher{}, nil)

	_, err := svc.ProcessClick(context.Background(), revShareHouse(), ClickRequest{Subid: "ghost"})
	require.ErrorIs(t, err, ErrUnknownAffiliate)
}

func TestTransition(t *testing.T) {
	ledger := &fakeLedger{}
	svc := NewService(directoryWith("sub-1"), ledger, &fakePublisher{}, nil)

	c, err := svc.ProcessPostback(context.Background(), revShareHouse(), PostbackRequest{
		EventType:     commission.EventDeposit,
		CustomerID:    "cust-9",
		Subid:         "sub-1",
		TransactionID: "tx-1",
		Amount:        dec("35.00"),
	})
	require.NoError(t, err)

	require.NoError(t, svc.Transition(context.Background(), c.ID, StatusApproved))
	assert.Equal(t, StatusApproved, ledger.conversions[0].Status)

	// approved rows stay approved
	err = svc.Transition(context.Background(), c.ID, StatusFailed)
	require.ErrorIs(t, err, ErrInvalidTransition)

	err = svc.Transition(context.Background(), "missing", StatusApproved)
	require.ErrorIs(t, err, ErrConversionNotFound)
}
