package store

import (
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/fusionbridge/fusiond/pkg/auction"
	"github.com/fusionbridge/fusiond/pkg/ledger"
	"github.com/fusionbridge/fusiond/pkg/swap"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

var ErrNotFound = errors.New("record not found")

// OrderRecord is the durable view of a maker order. Historical fields are
// never rewritten, only Status and RemainingAmount advance.
type OrderRecord struct {
	gorm.Model

	OrderID           string `gorm:"index:,unique"`
	Maker             string
	SourceChain       string
	DestinationChain  string
	MakerAmount       string
	MinDestAmount     string
	ReceiveAddress    string
	RefundAddress     string
	AllowPartialFills bool
	RemainingAmount   string
	Deadline          time.Time
	Status            string
}

type SwapRecord struct {
	gorm.Model

	SwapID   string `gorm:"index:,unique"`
	OrderID  string `gorm:"index"`
	Round    int
	Hashlock string
	Secret   string
	State    string
	Deadline time.Time
	FlagNote string

	SourceChain     string
	SourceAmount    string
	SourceExpiry    time.Time
	SourceResolver  string
	DestChain       string
	DestAmount      string
	DestExpiry      time.Time
	DestBeneficiary string

	SourceLockTx   string
	SourceClaimTx  string
	SourceRefundTx string
	DestLockTx     string
	DestClaimTx    string
	DestRefundTx   string
}

type BidRecord struct {
	gorm.Model

	BidID        string `gorm:"index:,unique"`
	OrderID      string `gorm:"index"`
	Round        int
	Resolver     string
	InputAmount  string
	OutputAmount string
	GasEstimate  uint64
	SubmittedAt  time.Time
	Active       bool
}

// TransitionRecord is the append-only log of every state transition, written
// before the matching ledger action so a crash mid-flow resumes from the last
// durable state.
type TransitionRecord struct {
	gorm.Model

	Entity   string
	EntityID string `gorm:"index"`
	From     string
	To       string
	Note     string
}

type Store interface {
	CreateOrder(order swap.Order) error
	UpdateOrder(orderID string, status swap.OrderStatus, remaining decimal.Decimal) error
	Order(orderID string) (OrderRecord, error)
	Orders() ([]OrderRecord, error)

	CreateSwap(s swap.Swap, state string) error
	UpdateSwapState(swapID, state, flagNote string) error
	PutSwapSecret(swapID string, secret []byte) error
	PutSwapTx(swapID string, action swap.Action, role ledger.Role, txID string) error
	Swap(swapID string) (SwapRecord, error)
	SwapsByOrder(orderID string) ([]SwapRecord, error)
	PendingSwaps(terminal []string) ([]SwapRecord, error)

	PutBid(bid auction.Bid) error
	DeactivateBid(bidID string) error
	BidsByOrder(orderID string) ([]BidRecord, error)

	LogTransition(entity, entityID, from, to, note string) error
	Transitions(entityID string) ([]TransitionRecord, error)
}

type store struct {
	mu *sync.RWMutex
	db *gorm.DB
}

func New(dialector gorm.Dialector, opts ...gorm.Option) (Store, error) {
	db, err := gorm.Open(dialector, opts...)
	if err != nil {
		return nil, err
	}
	if err := db.AutoMigrate(&OrderRecord{}, &SwapRecord{}, &BidRecord{}, &TransitionRecord{}); err != nil {
		return nil, err
	}
	return &store{mu: new(sync.RWMutex), db: db}, nil
}

func (s *store) CreateOrder(order swap.Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx := s.db.Create(&OrderRecord{
		OrderID:           order.ID,
		Maker:             order.Maker,
		SourceChain:       string(order.SourceChain),
		DestinationChain:  string(order.DestinationChain),
		MakerAmount:       order.MakerAmount.String(),
		MinDestAmount:     order.MinDestAmount.String(),
		ReceiveAddress:    order.ReceiveAddress,
		RefundAddress:     order.RefundAddress,
		AllowPartialFills: order.AllowPartialFills,
		RemainingAmount:   order.RemainingAmount.String(),
		Deadline:          order.Deadline,
		Status:            string(order.Status),
	})
	return tx.Error
}

func (s *store) UpdateOrder(orderID string, status swap.OrderStatus, remaining decimal.Decimal) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx := s.db.Model(&OrderRecord{}).Where("order_id = ?", orderID).Updates(map[string]interface{}{
		"status":           string(status),
		"remaining_amount": remaining.String(),
	})
	if tx.Error != nil {
		return tx.Error
	}
	if tx.RowsAffected == 0 {
		return fmt.Errorf("%w: order %v", ErrNotFound, orderID)
	}
	return nil
}

func (s *store) Order(orderID string) (OrderRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var record OrderRecord
	if tx := s.db.Where("order_id = ?", orderID).First(&record); tx.Error != nil {
		if errors.Is(tx.Error, gorm.ErrRecordNotFound) {
			return OrderRecord{}, fmt.Errorf("%w: order %v", ErrNotFound, orderID)
		}
		return OrderRecord{}, tx.Error
	}
	return record, nil
}

func (s *store) Orders() ([]OrderRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var records []OrderRecord
	if tx := s.db.Order("created_at desc").Find(&records); tx.Error != nil {
		return nil, tx.Error
	}
	return records, nil
}

func (s *store) CreateSwap(sw swap.Swap, state string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx := s.db.Create(&SwapRecord{
		SwapID:          sw.ID,
		OrderID:         sw.OrderID,
		Round:           sw.Round,
		Hashlock:        hex.EncodeToString(sw.Hashlock[:]),
		State:           state,
		Deadline:        sw.Deadline,
		SourceChain:     string(sw.Source.Chain),
		SourceAmount:    sw.Source.Amount.String(),
		SourceExpiry:    sw.Source.TimelockExpiry,
		SourceResolver:  sw.Source.Beneficiary,
		DestChain:       string(sw.Destination.Chain),
		DestAmount:      sw.Destination.Amount.String(),
		DestExpiry:      sw.Destination.TimelockExpiry,
		DestBeneficiary: sw.Destination.Beneficiary,
	})
	return tx.Error
}

func (s *store) UpdateSwapState(swapID, state, flagNote string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	updates := map[string]interface{}{"state": state}
	if flagNote != "" {
		updates["flag_note"] = flagNote
	}
	tx := s.db.Model(&SwapRecord{}).Where("swap_id = ?", swapID).Updates(updates)
	if tx.Error != nil {
		return tx.Error
	}
	if tx.RowsAffected == 0 {
		return fmt.Errorf("%w: swap %v", ErrNotFound, swapID)
	}
	return nil
}

func (s *store) PutSwapSecret(swapID string, secret []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.db.Model(&SwapRecord{}).Where("swap_id = ?", swapID).
		Update("secret", hex.EncodeToString(secret)).Error
}

func (s *store) PutSwapTx(swapID string, action swap.Action, role ledger.Role, txID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var column string
	switch {
	case action == swap.ActionLock && role == ledger.RoleSource:
		column = "source_lock_tx"
	case action == swap.ActionLock && role == ledger.RoleDestination:
		column = "dest_lock_tx"
	case action == swap.ActionClaim && role == ledger.RoleSource:
		column = "source_claim_tx"
	case action == swap.ActionClaim && role == ledger.RoleDestination:
		column = "dest_claim_tx"
	case action == swap.ActionRefund && role == ledger.RoleSource:
		column = "source_refund_tx"
	case action == swap.ActionRefund && role == ledger.RoleDestination:
		column = "dest_refund_tx"
	default:
		return fmt.Errorf("unknown action %v on %v leg", action, role)
	}
	return s.db.Model(&SwapRecord{}).Where("swap_id = ?", swapID).Update(column, txID).Error
}

func (s *store) Swap(swapID string) (SwapRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var record SwapRecord
	if tx := s.db.Where("swap_id = ?", swapID).First(&record); tx.Error != nil {
		if errors.Is(tx.Error, gorm.ErrRecordNotFound) {
			return SwapRecord{}, fmt.Errorf("%w: swap %v", ErrNotFound, swapID)
		}
		return SwapRecord{}, tx.Error
	}
	return record, nil
}

func (s *store) SwapsByOrder(orderID string) ([]SwapRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var records []SwapRecord
	if tx := s.db.Where("order_id = ?", orderID).Order("round asc").Find(&records); tx.Error != nil {
		return nil, tx.Error
	}
	return records, nil
}

// PendingSwaps returns swaps whose state is not in the terminal set, used to
// resume in-flight swaps after a restart.
func (s *store) PendingSwaps(terminal []string) ([]SwapRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var records []SwapRecord
	if tx := s.db.Where("state NOT IN ?", terminal).Find(&records); tx.Error != nil {
		return nil, tx.Error
	}
	return records, nil
}

func (s *store) PutBid(bid auction.Bid) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx := s.db.Create(&BidRecord{
		BidID:        bid.ID,
		OrderID:      bid.OrderID,
		Round:        bid.Round,
		Resolver:     bid.Resolver,
		InputAmount:  bid.InputAmount.String(),
		OutputAmount: bid.OutputAmount.String(),
		GasEstimate:  bid.GasEstimate,
		SubmittedAt:  bid.SubmittedAt,
		Active:       bid.Active,
	})
	return tx.Error
}

func (s *store) DeactivateBid(bidID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.db.Model(&BidRecord{}).Where("bid_id = ?", bidID).Update("active", false).Error
}

func (s *store) BidsByOrder(orderID string) ([]BidRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var records []BidRecord
	if tx := s.db.Where("order_id = ?", orderID).Order("submitted_at asc").Find(&records); tx.Error != nil {
		return nil, tx.Error
	}
	return records, nil
}

func (s *store) LogTransition(entity, entityID, from, to, note string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx := s.db.Create(&TransitionRecord{
		Entity:   entity,
		EntityID: entityID,
		From:     from,
		To:       to,
		Note:     note,
	})
	return tx.Error
}

func (s *store) Transitions(entityID string) ([]TransitionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var records []TransitionRecord
	if tx := s.db.Where("entity_id = ?", entityID).Order("id asc").Find(&records); tx.Error != nil {
		return nil, tx.Error
	}
	return records, nil
}
