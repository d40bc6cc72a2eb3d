package bybit

import (
	"context"
	"fmt"
	"strings"
)

// AccountType represents different account types in Bybit
type AccountType string

const (
	AccountTypeUnified  AccountType = "UNIFIED"
	AccountTypeContract AccountType = "CONTRACT"
)

// Balance represents a coin balance in the account
type Balance struct {
	Coin             string  `json:"coin"`
	Equity           float64 `json:"equity"`
	WalletBalance    float64 `json:"walletBalance"`
	AvailableToTrade float64 `json:"availableToTrade"`
	Locked           float64 `json:"locked"`
}

// AccountInfo represents the wallet summary of one account
type AccountInfo struct {
	AccountType           string
	TotalEquity           float64
	TotalWalletBalance    float64
	TotalAvailableBalance float64
	Coin                  []Balance
}

// GetAccountBalance retrieves account balance information
func (c *Client) GetAccountBalance(ctx context.Context, accountType AccountType, coins ...string) (*AccountInfo, error) {
	params := map[string]interface{}{
		"accountType": string(accountType),
	}
	if len(coins) > 0 {
		params["coin"] = strings.Join(coins, ",")
	}

	result, err := c.httpClient.NewUtaBybitServiceWithParams(params).GetAccountWallet(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get account balance: %w", err)
	}
	return c.parseAccountBalanceResponse(result)
}

func (c *Client) parseAccountBalanceResponse(response interface{}) (*AccountInfo, error) {
	var walletResult struct {
		List []struct {
			AccountType           string `json:"accountType"`
			TotalEquity           string `json:"totalEquity"`
			TotalWalletBalance    string `json:"totalWalletBalance"`
			TotalAvailableBalance string `json:"totalAvailableBalance"`
			Coin                  []struct {
				Coin             string `json:"coin"`
				Equity           string `json:"equity"`
				WalletBalance    string `json:"walletBalance"`
				AvailableToTrade string `json:"availableToTrade"`
				TotalOrderIM     string `json:"totalOrderIM"`
				TotalPositionIM  string `json:"totalPositionIM"`
			} `json:"coin"`
		} `json:"list"`
	}

	if err := decodeResult(response, &walletResult); err != nil {
		return nil, err
	}
	if len(walletResult.List) == 0 {
		return nil, fmt.Errorf("no account data found")
	}

	account := walletResult.List[0]
	info := &AccountInfo{
		AccountType:           account.AccountType,
		TotalEquity:           parseFloat64(account.TotalEquity),
		TotalWalletBalance:    parseFloat64(account.TotalWalletBalance),
		TotalAvailableBalance: parseFloat64(account.TotalAvailableBalance),
		Coin:                  make([]Balance, len(account.Coin)),
	}
	for i, coin := range account.Coin {
		info.Coin[i] = Balance{
			Coin:             coin.Coin,
			Equity:           parseFloat64(coin.Equity),
			WalletBalance:    parseFloat64(coin.WalletBalance),
			AvailableToTrade: parseFloat64(coin.AvailableToTrade),
			Locked:           parseFloat64(coin.TotalOrderIM) + parseFloat64(coin.TotalPositionIM),
		}
	}
	return info, nil
}

// GetEquity returns the equity of a coin, falling back to the account total
func (c *Client) GetEquity(ctx context.Context, accountType AccountType, coin string) (float64, error) {
	info, err := c.GetAccountBalance(ctx, accountType, coin)
	if err != nil {
		return 0, err
	}
	for _, b := range info.Coin {
		if b.Coin == coin {
			return b.Equity, nil
		}
	}
	return info.TotalEquity, nil
}

// GetLatestPrice returns the last traded price of a symbol
func (c *Client) GetLatestPrice(ctx context.Context, symbol string) (float64, error) {
	params := map[string]interface{}{
		"category": c.category,
		"symbol":   symbol,
	}

	result, err := c.httpClient.NewUtaBybitServiceWithParams(params).GetMarketTickers(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to get latest price: %w", err)
	}
	return parseLatestPrice(result)
}

func parseLatestPrice(response interface{}) (float64, error) {
	var tickers struct {
		List []struct {
			Symbol    string `json:"symbol"`
			LastPrice string `json:"lastPrice"`
		} `json:"list"`
	}
	if err := decodeResult(response, &tickers); err != nil {
		return 0, err
	}
	if len(tickers.List) == 0 {
		return 0, NewBybitError(ErrCodeSymbolNotFound, "no ticker data")
	}
	return parseFloat64(tickers.List[0].LastPrice), nil
}
