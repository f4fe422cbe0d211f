package vault

import (
	"encoding/json"
	"sort"
)

// CredentialRecord is what the vault keeps for one linked institution
type CredentialRecord struct {
	AccessToken     string `json:"access_token"`
	InstitutionName string `json:"institution_name"`
}

// TokenMap maps item identifiers to their credentials. It is the plaintext
// unit of encryption: the whole map is sealed as one blob.
type TokenMap map[string]CredentialRecord

// NewTokenMap creates an empty map
func NewTokenMap() TokenMap {
	return make(TokenMap)
}

// Link stores rec under itemID, replacing any earlier record for the same item.
// It reports whether an existing record was replaced.
func (m TokenMap) Link(itemID string, rec CredentialRecord) bool {
	_, existed := m[itemID]
	m[itemID] = rec
	return existed
}

// Unlink removes an item
func (m TokenMap) Unlink(itemID string) bool {
	if _, ok := m[itemID]; !ok {
		return false
	}
	delete(m, itemID)
	return true
}

// ItemIDs returns the item identifiers in sorted order.
func (m TokenMap) ItemIDs() []string {
	ids := make([]string, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// ItemSummary is a listing row without the access token
type ItemSummary struct {
	ItemID          string `json:"item_id"`
	InstitutionName string `json:"institution_name"`
}

func (m TokenMap) ListItems() []ItemSummary {
	summaries := make([]ItemSummary, 0, len(m))
	for _, id := range m.ItemIDs() {
		summaries = append(summaries, ItemSummary{
			ItemID:          id,
			InstitutionName: m[id].InstitutionName,
		})
	}
	return summaries
}

// ToJSON serializes the map. Keys are emitted in sorted order, so equal maps
// always produce identical bytes.
func (m TokenMap) ToJSON() ([]byte, error) {
	if m == nil {
		m = NewTokenMap()
	}
	return json.Marshal(map[string]CredentialRecord(m))
}

// FromJSON deserializes a map written by ToJSON
func FromJSON(data []byte) (TokenMap, error) {
	m := NewTokenMap()
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	if m == nil {
		m = NewTokenMap()
	}
	return m, nil
}
