package plaid

import "fmt"

// APIError is the error body Plaid returns with a non-2xx status
type APIError struct {
	StatusCode     int    `json:"-"`
	ErrorType      string `json:"error_type"`
	ErrorCode      string `json:"error_code"`
	ErrorMessage   string `json:"error_message"`
	DisplayMessage string `json:"display_message"`
	RequestID      string `json:"request_id"`
}

func (e *APIError) Error() string {
	if e.ErrorCode == "" {
		return fmt.Sprintf("plaid: HTTP %d", e.StatusCode)
	}
	return fmt.Sprintf("plaid: %s/%s (HTTP %d): %s", e.ErrorType, e.ErrorCode, e.StatusCode, e.ErrorMessage)
}

// Retryable reports whether the request may succeed if sent again
func (e *APIError) Retryable() bool {
	return e.StatusCode == 429 || e.StatusCode >= 500
}

// LinkTokenRequest holds the per-user Link settings
type LinkTokenRequest struct {
	ClientName   string
	ClientUserID string
	Products     []string
	CountryCodes []string
	Language     string
	RedirectURI  string
}

type linkTokenUser struct {
	ClientUserID string `json:"client_user_id"`
}

type linkTokenCreateRequest struct {
	ClientName   string        `json:"client_name"`
	User         linkTokenUser `json:"user"`
	Products     []string      `json:"products"`
	CountryCodes []string      `json:"country_codes"`
	Language     string        `json:"language"`
	RedirectURI  string        `json:"redirect_uri,omitempty"`
}

type linkTokenCreateResponse struct {
	LinkToken  string `json:"link_token"`
	Expiration string `json:"expiration"`
	RequestID  string `json:"request_id"`
}

type publicTokenExchangeRequest struct {
	PublicToken string `json:"public_token"`
}

// Exchange is the result of trading a public token for an access token
type Exchange struct {
	AccessToken string `json:"access_token"`
	ItemID      string `json:"item_id"`
	RequestID   string `json:"request_id"`
}

type accessTokenRequest struct {
	AccessToken string `json:"access_token"`
}

// Item is a linked institution connection
type Item struct {
	ItemID        string `json:"item_id"`
	InstitutionID string `json:"institution_id"`
}

type itemGetResponse struct {
	Item Item `json:"item"`
}

type institutionGetByIDRequest struct {
	InstitutionID string   `json:"institution_id"`
	CountryCodes  []string `json:"country_codes"`
}

// Institution is a financial institution
type Institution struct {
	InstitutionID string `json:"institution_id"`
	Name          string `json:"name"`
}

type institutionGetByIDResponse struct {
	Institution Institution `json:"institution"`
}

// Balances of an account
type Balances struct {
	Available              *float64 `json:"available"`
	Current                *float64 `json:"current"`
	Limit                  *float64 `json:"limit"`
	ISOCurrencyCode        string   `json:"iso_currency_code"`
	UnofficialCurrencyCode string   `json:"unofficial_currency_code"`
}

// Account is one account under an item
type Account struct {
	AccountID    string   `json:"account_id"`
	Name         string   `json:"name"`
	OfficialName string   `json:"official_name"`
	Mask         string   `json:"mask"`
	Type         string   `json:"type"`
	Subtype      string   `json:"subtype"`
	Balances     Balances `json:"balances"`
}

type accountsGetResponse struct {
	Accounts []Account `json:"accounts"`
}

// Transaction is a single posted or pending transaction
type Transaction struct {
	TransactionID          string   `json:"transaction_id"`
	AccountID              string   `json:"account_id"`
	Date                   string   `json:"date"`
	AuthorizedDate         string   `json:"authorized_date"`
	Name                   string   `json:"name"`
	MerchantName           string   `json:"merchant_name"`
	Amount                 float64  `json:"amount"`
	ISOCurrencyCode        string   `json:"iso_currency_code"`
	UnofficialCurrencyCode string   `json:"unofficial_currency_code"`
	Category               []string `json:"category"`
	Pending                bool     `json:"pending"`
	PaymentChannel         string   `json:"payment_channel"`
}

type transactionsGetOptions struct {
	Count  int `json:"count"`
	Offset int `json:"offset"`
}

type transactionsGetRequest struct {
	AccessToken string                 `json:"access_token"`
	StartDate   string                 `json:"start_date"`
	EndDate     string                 `json:"end_date"`
	Options     transactionsGetOptions `json:"options"`
}

// TransactionsPage is one page of transactions/get
type TransactionsPage struct {
	Transactions      []Transaction `json:"transactions"`
	TotalTransactions int           `json:"total_transactions"`
}
