package gormstore

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Product represents the products table.
type Product struct {
	ProductID        string    `gorm:"primaryKey"`
	Name             string    `gorm:"not null"`
	HourlyPriceCents int64     `gorm:"not null"`
	DailyPriceCents  int64     `gorm:"not null"`
	DepositCents     int64     `gorm:"not null"`
	CreatedAt        time.Time `gorm:"not null"`
	UpdatedAt        time.Time `gorm:"not null"`
}

func (Product) TableName() string { return "products" }

// InventoryItem mirrors the inventory_items table: one row per
// (hotel, product) pair holding the capacity ceiling.
type InventoryItem struct {
	HotelID   string    `gorm:"primaryKey"`
	ProductID string    `gorm:"primaryKey"`
	Quantity  int       `gorm:"not null"`
	Active    bool      `gorm:"not null"`
	UpdatedAt time.Time `gorm:"not null"`
}

func (InventoryItem) TableName() string { return "inventory_items" }

// DiscountCode mirrors the discount_codes table.
type DiscountCode struct {
	Code      string    `gorm:"primaryKey"`
	HotelID   string    `gorm:"not null"`
	Kind      string    `gorm:"not null"`
	Active    bool      `gorm:"not null"`
	CreatedAt time.Time `gorm:"not null"`
	UpdatedAt time.Time `gorm:"not null"`
}

func (DiscountCode) TableName() string { return "discount_codes" }

// Reservation mirrors the reservations table. Rows are never deleted;
// status encodes end-of-life.
type Reservation struct {
	ReservationID    string         `gorm:"type:uuid;primaryKey"`
	Code             string         `gorm:"not null;index:uniq_reservation_code,unique"`
	ProductID        string         `gorm:"not null;index:idx_reservations_pair_window,priority:2"`
	PickupHotelID    string         `gorm:"not null;index:idx_reservations_pair_window,priority:1"`
	DropHotelID      string         `gorm:"not null"`
	UserEmail        string         `gorm:"not null"`
	StartAt          time.Time      `gorm:"not null;index:idx_reservations_pair_window,priority:3"`
	EndAt            time.Time      `gorm:"not null"`
	Status           string         `gorm:"not null;index"`
	PriceCents       int64          `gorm:"not null"`
	DepositCents     int64          `gorm:"not null"`
	PricingType      string         `gorm:"not null"`
	RevenueShare     string         `gorm:"not null"`
	DiscountCode     *string        `gorm:""`
	DamageFeeCents   int64          `gorm:"not null;default:0"`
	PaymentIntentRef string         `gorm:""`
	SetupIntentRef   string         `gorm:""`
	Metadata         datatypes.JSON `gorm:"not null"`
	CreatedAt        time.Time      `gorm:"not null;index"`
	UpdatedAt        time.Time      `gorm:"not null"`
}

func (Reservation) TableName() string { return "reservations" }

func (reservation *Reservation) BeforeCreate(tx *gorm.DB) error {
	if reservation.ReservationID == "" {
		reservation.ReservationID = uuid.NewString()
	}
	return nil
}
