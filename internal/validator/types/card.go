package types

// CardSummary is the decoded content of a card, for operators.
type CardSummary struct {
	Serial       string           `json:"serial"`
	ProductType  string           `json:"product_type"`
	SessionCount int              `json:"session_count"`
	UpdatedAt    string           `json:"updated_at,omitempty"`
	Environment  *EnvironmentView `json:"environment,omitempty"`
	Event        *EventView       `json:"event,omitempty"`
	Contracts    []ContractView   `json:"contracts,omitempty"`
	Counters     []uint32         `json:"counters,omitempty"`
	Problems     []string         `json:"problems,omitempty"`
}

type EnvironmentView struct {
	VersionNumber     uint8  `json:"version_number"`
	ApplicationNumber uint32 `json:"application_number"`
	IssuingDate       string `json:"issuing_date"`
	EndDate           string `json:"end_date"`
	HolderCompany     uint8  `json:"holder_company"`
	HolderIDNumber    uint32 `json:"holder_id_number"`
}

type EventView struct {
	VersionNumber      uint8    `json:"version_number"`
	DateTime           string   `json:"date_time"`
	LocationID         uint16   `json:"location_id"`
	LocationName       string   `json:"location_name,omitempty"`
	ContractUsed       uint8    `json:"contract_used"`
	ContractPriorities []string `json:"contract_priorities"`
}

type ContractView struct {
	Slot            int    `json:"slot"`
	VersionNumber   uint8  `json:"version_number"`
	Tariff          string `json:"tariff"`
	SaleDate        string `json:"sale_date"`
	ValidityEndDate string `json:"validity_end_date"`
	SaleSAM         uint32 `json:"sale_sam"`
	SaleCounter     uint32 `json:"sale_counter"`
}
