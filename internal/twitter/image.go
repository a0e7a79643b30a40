package twitter

import (
	"bytes"
	"errors"
	"sort"
	"time"

	chart "github.com/wcharczuk/go-chart/v2"

	"github.com/ethereumidentitykit/ens-market-bot-sub004/internal/storage"
)

// BuildPriceChart 渲染近期成交的美元价格走势图。
func BuildPriceChart(sales []storage.SaleEvent) ([]byte, error) {
	if len(sales) < 2 {
		return nil, errors.New("not enough sales to draw chart")
	}

	ordered := make([]storage.SaleEvent, len(sales))
	copy(ordered, sales)
	sort.Slice(ordered, func(i, j int) bool {
		return ordered[i].OccurredAt.Before(ordered[j].OccurredAt)
	})

	x := make([]time.Time, len(ordered))
	usd := make([]float64, len(ordered))
	for i, sale := range ordered {
		x[i] = sale.OccurredAt
		usd[i] = sale.PriceUSD.InexactFloat64()
	}

	priceFormatter := func(v interface{}) string {
		return chart.FloatValueFormatterWithFormat(v, "%.0f")
	}
	graph := chart.Chart{
		Width:  1280,
		Height: 720,
		XAxis: chart.XAxis{
			ValueFormatter: chart.TimeValueFormatter,
		},
		YAxis: chart.YAxis{
			Name:           "Price (USD)",
			ValueFormatter: priceFormatter,
		},
		Series: []chart.Series{
			chart.TimeSeries{
				Name:    "Sale price",
				XValues: x,
				YValues: usd,
			},
		},
	}
	graph.Elements = []chart.Renderable{chart.Legend(&graph)}

	buf := &bytes.Buffer{}
	if err := graph.Render(chart.PNG, buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
