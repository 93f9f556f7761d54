// Command count-chart renders the persisted count history as a standalone
// HTML line chart. Useful for eyeballing occupancy patterns from a copied
// database without running the census server.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/opts"

	"github.com/crowdsense-data/crowdsense/internal/db"
)

func main() {
	dbFile := flag.String("db", "census.db", "SQLite database file")
	out := flag.String("out", "counts.html", "Output HTML file")
	limit := flag.Int("limit", 2000, "Maximum number of samples to chart, newest first")
	flag.Parse()

	if *limit < 1 {
		log.Fatalf("limit must be >= 1, got %d", *limit)
	}

	database, err := db.Open(*dbFile)
	if err != nil {
		log.Fatalf("failed to open database: %v", err)
	}
	defer database.Close()

	samples, err := database.CountHistory(*limit)
	if err != nil {
		log.Fatalf("failed to query count history: %v", err)
	}
	if len(samples) == 0 {
		log.Fatal("no count samples in database")
	}

	// CountHistory returns newest first; the chart wants time ascending.
	labels := make([]string, len(samples))
	totals := make([]opts.LineData, len(samples))
	males := make([]opts.LineData, len(samples))
	females := make([]opts.LineData, len(samples))
	for i, s := range samples {
		j := len(samples) - 1 - i
		labels[j] = s.SampledAt.Local().Format("15:04:05")
		totals[j] = opts.LineData{Value: s.Counts.Total}
		males[j] = opts.LineData{Value: s.Counts.Male}
		females[j] = opts.LineData{Value: s.Counts.Female}
	}

	line := charts.NewLine()
	line.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: "Crowd Counts", Width: "1200px", Height: "600px"}),
		charts.WithTitleOpts(opts.Title{
			Title:    "Crowd counts over time",
			Subtitle: fmt.Sprintf("%d samples, %s to %s", len(samples), samples[len(samples)-1].SampledAt.Local().Format("2006-01-02 15:04"), samples[0].SampledAt.Local().Format("2006-01-02 15:04")),
		}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true), Trigger: "axis"}),
		charts.WithLegendOpts(opts.Legend{Show: opts.Bool(true)}),
		charts.WithXAxisOpts(opts.XAxis{Name: "time"}),
		charts.WithYAxisOpts(opts.YAxis{Name: "people"}),
	)
	line.SetXAxis(labels)
	line.AddSeries("total", totals)
	line.AddSeries("male", males)
	line.AddSeries("female", females)

	f, err := os.Create(*out)
	if err != nil {
		log.Fatalf("failed to create output file: %v", err)
	}
	defer f.Close()

	if err := line.Render(f); err != nil {
		log.Fatalf("failed to render chart: %v", err)
	}
	log.Printf("wrote %s (%d samples)", *out, len(samples))
}
