package domain

import "time"

// Shop - карточка магазина, читаемая через кэш.
type Shop struct {
	ID        int64     `json:"id"`
	Name      string    `json:"name"`
	TypeID    int64     `json:"typeId"`
	Address   string    `json:"address"`
	Area      string    `json:"area"`
	AvgPrice  int64     `json:"avgPrice"`
	Score     int       `json:"score"`
	OpenHours string    `json:"openHours"`
	UpdatedAt time.Time `json:"updatedAt"`
}
