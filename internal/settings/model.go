package settings

// Setting is one persisted key/value feature flag.
type Setting struct {
	Key   string `gorm:"column:key;primaryKey"`
	Value string `gorm:"column:value;not null"`
}

func (Setting) TableName() string {
	return "settings"
}

// Purchase records a product bought through the store front.
type Purchase struct {
	ID          int64  `gorm:"column:id;primaryKey;autoIncrement" json:"-"`
	ProductID   string `gorm:"column:product_id;uniqueIndex" json:"productId"`
	PurchasedAt string `gorm:"column:purchased_at" json:"purchasedAt"`
	IsActive    bool   `gorm:"column:is_active" json:"isActive"`
}

func (Purchase) TableName() string {
	return "purchases"
}
