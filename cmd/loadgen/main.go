// Load generator for testing Kestrel against labeled flow data.
//
// Usage:
//   go run cmd/loadgen/main.go -csv /path/to/flows.csv -url http://localhost:8080
//
// This tool:
//   1. Reads CIC-IDS style flow records (with attack labels)
//   2. Sends each flow to Kestrel for prediction
//   3. Compares Kestrel's verdict (attack/benign) with actual labels
//   4. Calculates precision, recall, F1-score, and confusion matrix
package main

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// FlowRecord is one labeled row from the dataset.
type FlowRecord struct {
	Features map[string]float64
	Label    string
	IsAttack bool
}

// PredictRequest is the Kestrel API request format.
type PredictRequest struct {
	Features map[string]float64 `json:"features"`
	SourceIP string             `json:"sourceIp,omitempty"`
}

// PredictResponse is the Kestrel API response format.
type PredictResponse struct {
	DetectionID string  `json:"detectionId"`
	Prediction  string  `json:"prediction"`
	Confidence  float64 `json:"confidence"`
	IsAttack    bool    `json:"isAttack"`
	ThreatLevel string  `json:"threatLevel"`
}

// Metrics tracks benchmark results.
type Metrics struct {
	TruePositives  int64 // Attack detected as attack
	FalsePositives int64 // Benign detected as attack
	TrueNegatives  int64 // Benign detected as benign
	FalseNegatives int64 // Attack detected as benign (missed!)

	// Exact class match, not just attack-vs-benign
	ExactMatches int64

	TotalProcessed int64
	TotalAttack    int64
	TotalBenign    int64
	TotalErrors    int64

	ProcessingTimeMs int64
}

func main() {
	csvPath := flag.String("csv", "", "Path to labeled flow CSV file")
	baseURL := flag.String("url", "http://localhost:8080", "Kestrel base URL")
	labelCol := flag.String("label", "label", "Name of the label column")
	limit := flag.Int("limit", 10000, "Maximum flows to process (0 = all)")
	workers := flag.Int("workers", 10, "Number of concurrent workers")
	attackOnly := flag.Bool("attack-only", false, "Only test attack flows")
	sampleRate := flag.Float64("sample", 1.0, "Sample rate for benign flows (0.0-1.0)")
	verbose := flag.Bool("verbose", false, "Print each flow result")
	flag.Parse()

	if *csvPath == "" {
		fmt.Println("Usage: loadgen -csv /path/to/flows.csv [-url http://localhost:8080]")
		fmt.Println("\nFlags:")
		flag.PrintDefaults()
		os.Exit(1)
	}

	fmt.Println("╔═══════════════════════════════════════════════════════════════╗")
	fmt.Println("║          KESTREL LOADGEN - Flow Classification                ║")
	fmt.Println("╚═══════════════════════════════════════════════════════════════╝")
	fmt.Printf("\nCSV File:    %s\n", *csvPath)
	fmt.Printf("Kestrel URL: %s\n", *baseURL)
	fmt.Printf("Workers:     %d\n", *workers)
	fmt.Printf("Limit:       %d\n", *limit)
	fmt.Printf("Attack Only: %v\n", *attackOnly)
	fmt.Printf("Sample Rate: %.2f\n", *sampleRate)
	fmt.Println()

	if err := checkHealth(*baseURL); err != nil {
		fmt.Printf("ERROR: Kestrel not reachable at %s: %v\n", *baseURL, err)
		fmt.Println("\nMake sure Kestrel is running:")
		fmt.Println("  go run cmd/kestrel/main.go")
		os.Exit(1)
	}
	fmt.Println("✓ Kestrel is healthy")

	fmt.Printf("\nReading flow data from %s...\n", *csvPath)
	flows, err := readFlowCSV(*csvPath, *labelCol, *limit, *attackOnly, *sampleRate)
	if err != nil {
		fmt.Printf("ERROR: Failed to read CSV: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("✓ Loaded %d flows\n", len(flows))

	attackCount := 0
	for _, flow := range flows {
		if flow.IsAttack {
			attackCount++
		}
	}
	fmt.Printf("  - Attack: %d (%.2f%%)\n", attackCount, 100*float64(attackCount)/float64(len(flows)))
	fmt.Printf("  - Benign: %d (%.2f%%)\n", len(flows)-attackCount, 100*float64(len(flows)-attackCount)/float64(len(flows)))

	fmt.Printf("\nRunning loadgen with %d workers...\n", *workers)
	startTime := time.Now()
	metrics := runLoadgen(flows, *baseURL, *workers, *verbose)
	duration := time.Since(startTime)

	printResults(metrics, duration)
}

func checkHealth(baseURL string) error {
	resp, err := http.Get(baseURL + "/health")
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unhealthy: status %d", resp.StatusCode)
	}
	return nil
}

func readFlowCSV(path, labelCol string, limit int, attackOnly bool, sampleRate float64) ([]FlowRecord, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	reader := csv.NewReader(file)

	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("failed to read header: %w", err)
	}

	// CIC-IDS headers carry stray whitespace
	for i := range header {
		header[i] = strings.TrimSpace(header[i])
	}

	labelIdx := -1
	for i, col := range header {
		if strings.EqualFold(col, labelCol) {
			labelIdx = i
		}
	}
	if labelIdx < 0 {
		return nil, fmt.Errorf("label column %q not found", labelCol)
	}

	var flows []FlowRecord
	sampleCounter := 0

	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			continue // Skip malformed rows
		}

		label := strings.TrimSpace(record[labelIdx])
		isAttack := !strings.EqualFold(label, "BENIGN")

		if attackOnly && !isAttack {
			continue
		}
		if !isAttack && sampleRate < 1.0 {
			sampleCounter++
			if float64(sampleCounter%100)/100.0 >= sampleRate {
				continue
			}
		}

		features := make(map[string]float64, len(header)-1)
		for i, col := range header {
			if i == labelIdx || i >= len(record) {
				continue
			}
			v, err := strconv.ParseFloat(strings.TrimSpace(record[i]), 64)
			if err != nil {
				continue // Non-numeric columns are not model inputs
			}
			features[col] = v
		}
		if len(features) == 0 {
			continue
		}

		flows = append(flows, FlowRecord{
			Features: features,
			Label:    label,
			IsAttack: isAttack,
		})

		if limit > 0 && len(flows) >= limit {
			break
		}
	}

	return flows, nil
}

func runLoadgen(flows []FlowRecord, baseURL string, numWorkers int, verbose bool) *Metrics {
	metrics := &Metrics{}

	work := make(chan FlowRecord, 100)
	var wg sync.WaitGroup

	for i := 0; i < numWorkers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			client := &http.Client{Timeout: 10 * time.Second}

			for flow := range work {
				start := time.Now()
				result, err := predictFlow(client, baseURL, flow)
				elapsed := time.Since(start).Milliseconds()

				atomic.AddInt64(&metrics.ProcessingTimeMs, elapsed)
				atomic.AddInt64(&metrics.TotalProcessed, 1)

				if err != nil {
					atomic.AddInt64(&metrics.TotalErrors, 1)
					if verbose {
						fmt.Printf("ERROR: %s -> %v\n", flow.Label, err)
					}
					continue
				}

				if flow.IsAttack {
					atomic.AddInt64(&metrics.TotalAttack, 1)
				} else {
					atomic.AddInt64(&metrics.TotalBenign, 1)
				}

				predicted := result.IsAttack
				actual := flow.IsAttack

				if predicted && actual {
					atomic.AddInt64(&metrics.TruePositives, 1)
				} else if predicted && !actual {
					atomic.AddInt64(&metrics.FalsePositives, 1)
				} else if !predicted && !actual {
					atomic.AddInt64(&metrics.TrueNegatives, 1)
				} else { // !predicted && actual
					atomic.AddInt64(&metrics.FalseNegatives, 1)
				}

				if strings.EqualFold(result.Prediction, flow.Label) {
					atomic.AddInt64(&metrics.ExactMatches, 1)
				}

				if verbose {
					status := "✓"
					if predicted != actual {
						status = "✗"
					}
					fmt.Printf("%s Actual: %-18s | Kestrel: %-18s (%.2f) | Threat: %s\n",
						status,
						flow.Label,
						result.Prediction,
						result.Confidence,
						result.ThreatLevel,
					)
				}
			}
		}()
	}

	for _, flow := range flows {
		work <- flow
	}
	close(work)

	wg.Wait()

	return metrics
}

func predictFlow(client *http.Client, baseURL string, flow FlowRecord) (*PredictResponse, error) {
	req := PredictRequest{Features: flow.Features}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}

	resp, err := client.Post(baseURL+"/predict", "application/json", bytes.NewBuffer(body))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("status %d: %s", resp.StatusCode, string(raw))
	}

	var result PredictResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, err
	}
	return &result, nil
}

func printResults(m *Metrics, duration time.Duration) {
	fmt.Println()
	fmt.Println("╔═══════════════════════════════════════════════════════════════╗")
	fmt.Println("║                        RESULTS                                ║")
	fmt.Println("╚═══════════════════════════════════════════════════════════════╝")
	fmt.Println()
	fmt.Printf("Processed:   %d flows in %s\n", m.TotalProcessed, duration.Round(time.Millisecond))
	if m.TotalProcessed > 0 {
		fmt.Printf("Throughput:  %.1f flows/sec\n", float64(m.TotalProcessed)/duration.Seconds())
		fmt.Printf("Avg latency: %.1f ms\n", float64(m.ProcessingTimeMs)/float64(m.TotalProcessed))
	}
	fmt.Printf("Errors:      %d\n", m.TotalErrors)
	fmt.Println()

	fmt.Println("Confusion Matrix (attack vs benign):")
	fmt.Printf("                      Predicted Attack   Predicted Benign\n")
	fmt.Printf("  Actual Attack       %-18d %-18d\n", m.TruePositives, m.FalseNegatives)
	fmt.Printf("  Actual Benign       %-18d %-18d\n", m.FalsePositives, m.TrueNegatives)
	fmt.Println()

	precision := 0.0
	if m.TruePositives+m.FalsePositives > 0 {
		precision = float64(m.TruePositives) / float64(m.TruePositives+m.FalsePositives)
	}
	recall := 0.0
	if m.TruePositives+m.FalseNegatives > 0 {
		recall = float64(m.TruePositives) / float64(m.TruePositives+m.FalseNegatives)
	}
	f1 := 0.0
	if precision+recall > 0 {
		f1 = 2 * precision * recall / (precision + recall)
	}

	fmt.Printf("Precision:   %.4f\n", precision)
	fmt.Printf("Recall:      %.4f\n", recall)
	fmt.Printf("F1 Score:    %.4f\n", f1)
	scored := m.TotalProcessed - m.TotalErrors
	if scored > 0 {
		fmt.Printf("Exact class: %.4f (%d/%d)\n", float64(m.ExactMatches)/float64(scored), m.ExactMatches, scored)
	}
	fmt.Println()
}
