package models

// Category is read-only reference data for consultation topics.
type Category struct {
	ID          uint64 `gorm:"primaryKey;autoIncrement" json:"id"`
	Name        string `gorm:"type:varchar(64);uniqueIndex;not null" json:"name"`
	Description string `gorm:"type:text" json:"description"`
	Icon        string `gorm:"type:varchar(64)" json:"icon"`
}

func (Category) TableName() string { return "categories" }

// DefaultCategories are seeded on first migration.
var DefaultCategories = []Category{
	{ID: 1, Name: "Prayer", Description: "Prayer requests and guidance in prayer life", Icon: "hands"},
	{ID: 2, Name: "Grief", Description: "Loss, mourning and comfort", Icon: "dove"},
	{ID: 3, Name: "Guidance", Description: "Life decisions and spiritual direction", Icon: "compass"},
	{ID: 4, Name: "Family", Description: "Marriage, parenting and relationships", Icon: "home"},
	{ID: 5, Name: "Faith", Description: "Doubt, scripture and belief", Icon: "book"},
}
