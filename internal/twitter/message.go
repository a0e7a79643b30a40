package twitter

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/ethereumidentitykit/ens-market-bot-sub004/internal/storage"
)

// Twitter caps a single tweet at 280 characters.
const maxTweetRunes = 280

// TweetContext 汇集渲染一条推文所需的上下文。
type TweetContext struct {
	Sale       storage.SaleEvent
	TierName   string
	BuyerName  string
	SellerName string
}

// RenderText 渲染推文正文。
func RenderText(tc TweetContext) string {
	builder := strings.Builder{}
	builder.WriteString(fmt.Sprintf("[%s] %s\n", categoryHeader(tc.Sale.Category), tc.Sale.AssetName))

	price := fmt.Sprintf("Price: %s ETH", tc.Sale.PriceETH.StringFixed(3))
	if tc.Sale.PriceUSD.IsPositive() {
		price += fmt.Sprintf(" ($%s)", formatUSD(tc.Sale.PriceUSD))
	}
	builder.WriteString(price + "\n")

	if tc.TierName != "" {
		builder.WriteString(fmt.Sprintf("Tier: %s\n", tc.TierName))
	}
	if tc.BuyerName != "" {
		builder.WriteString(fmt.Sprintf("%s: %s\n", buyerLabel(tc.Sale.Category), tc.BuyerName))
	}
	if tc.SellerName != "" && tc.Sale.Category != storage.CategoryRegistration {
		builder.WriteString(fmt.Sprintf("Seller: %s\n", tc.SellerName))
	}
	builder.WriteString("#ENS #Ethereum")

	return clampTweet(builder.String())
}

func categoryHeader(category string) string {
	switch category {
	case storage.CategoryRegistration:
		return "ENS Registration"
	case storage.CategoryBid:
		return "ENS Bid"
	default:
		return "ENS Sale"
	}
}

func buyerLabel(category string) string {
	if category == storage.CategoryBid {
		return "Bidder"
	}
	return "Buyer"
}

// formatUSD renders a whole-dollar amount with thousand separators.
func formatUSD(amount decimal.Decimal) string {
	digits := amount.Round(0).BigInt().String()

	negative := strings.HasPrefix(digits, "-")
	if negative {
		digits = digits[1:]
	}

	var groups []string
	for len(digits) > 3 {
		groups = append([]string{digits[len(digits)-3:]}, groups...)
		digits = digits[:len(digits)-3]
	}
	groups = append([]string{digits}, groups...)

	out := strings.Join(groups, ",")
	if negative {
		out = "-" + out
	}
	return out
}

func clampTweet(text string) string {
	runes := []rune(text)
	if len(runes) <= maxTweetRunes {
		return text
	}
	return string(runes[:maxTweetRunes-1]) + "…"
}
