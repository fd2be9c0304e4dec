package main

import (
	"archive/zip"
	"bytes"
	"encoding/json"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	_ "github.com/joho/godotenv/autoload"
)

const (
	defaultAPIBase = "http://localhost:8000"
)

var (
	apiBase    string
	adminKey   string
	token      string
	client     = &http.Client{Timeout: 60 * time.Second}
	createdIDs []int64
)

type reportDTO struct {
	ID       int64          `json:"id"`
	Category string         `json:"category"`
	Status   string         `json:"status"`
	AIResult map[string]any `json:"ai_result"`
}

func main() {
	fmt.Println("=== Defect Hub E2E Smoke Test ===")
	fmt.Println()

	apiBase = strings.TrimRight(getEnv("API_BASE_URL", defaultAPIBase), "/")
	adminKey = getEnv("SMOKE_ADMIN_KEY", "")
	token = getEnv("SMOKE_TOKEN", "")

	fmt.Printf("API Base: %s\n", apiBase)
	fmt.Printf("Admin key: %s\n", maskString(adminKey))
	fmt.Printf("Token: %s\n", maskString(token))
	fmt.Println()

	steps := []struct {
		name string
		fn   func() error
	}{
		{"Healthz", testHealthz},
		{"Admin Token", testAdminToken},
		{"Upload Reports", testUploadReports},
		{"Wait Processing", testWaitProcessing},
		{"Status Websocket", testStatusWebsocket},
		{"List Reports", testListReports},
		{"Synthetic Generate", testSyntheticGenerate},
		{"Export Zip", testExportZip},
	}

	failed := false
	for i, step := range steps {
		fmt.Printf("[%d/%d] %s... ", i+1, len(steps), step.name)
		if err := step.fn(); err != nil {
			fmt.Printf("❌ FAILED\n")
			fmt.Printf("  Error: %v\n\n", err)
			failed = true
			break
		}
		fmt.Printf("✅ OK\n")
	}

	fmt.Println()
	if failed {
		fmt.Println("❌ SMOKE TEST FAILED")
		os.Exit(1)
	}

	fmt.Println("✅ ALL SMOKE TESTS PASSED")
}

func testHealthz() error {
	resp, err := client.Get(apiBase + "/healthz")
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return expectStatus(resp, http.StatusOK)
}

func testAdminToken() error {
	// token from env or no auth configured
	if token != "" || adminKey == "" {
		return nil
	}

	body, _ := json.Marshal(map[string]string{"api_key": adminKey, "subject": "smoke"})
	resp, err := client.Post(apiBase+"/api/v1/auth/token", "application/json", bytes.NewReader(body))
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if err := expectStatus(resp, http.StatusOK); err != nil {
		return err
	}

	var out struct {
		AccessToken string `json:"access_token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return fmt.Errorf("decode token: %w", err)
	}
	token = out.AccessToken
	return nil
}

func testUploadReports() error {
	photo, err := smokePhoto()
	if err != nil {
		return err
	}

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	mw.WriteField("category", "glass")
	mw.WriteField("station", "Площадь Восстания")
	mw.WriteField("description", "smoke test")
	mw.WriteField("latitude", "59.93")
	mw.WriteField("longitude", "30.36")
	for i := 0; i < 2; i++ {
		fw, err := mw.CreateFormFile("files", fmt.Sprintf("smoke_%d.jpg", i))
		if err != nil {
			return err
		}
		fw.Write(photo)
	}
	if err := mw.Close(); err != nil {
		return err
	}

	resp, err := client.Post(apiBase+"/api/v1/reports/", mw.FormDataContentType(), &buf)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if err := expectStatus(resp, http.StatusCreated); err != nil {
		return err
	}

	var created []reportDTO
	if err := json.NewDecoder(resp.Body).Decode(&created); err != nil {
		return fmt.Errorf("decode created: %w", err)
	}
	if len(created) != 2 {
		return fmt.Errorf("expected 2 reports, got %d", len(created))
	}
	for _, r := range created {
		if r.Status != "pending" {
			return fmt.Errorf("report %d: expected pending, got %s", r.ID, r.Status)
		}
		createdIDs = append(createdIDs, r.ID)
	}
	return nil
}

func testWaitProcessing() error {
	deadline := time.Now().Add(60 * time.Second)
	for _, id := range createdIDs {
		for {
			r, err := getReport(id)
			if err != nil {
				return err
			}
			if r.Status == "completed" {
				if r.AIResult == nil {
					return fmt.Errorf("report %d completed without ai_result", id)
				}
				break
			}
			if r.Status == "failed" {
				return fmt.Errorf("report %d failed", id)
			}
			if time.Now().After(deadline) {
				return fmt.Errorf("report %d still %s after 60s", id, r.Status)
			}
			time.Sleep(500 * time.Millisecond)
		}
	}
	return nil
}

// testStatusWebsocket subscribes to a finished report: the snapshot arrives
// first and the server closes normally.
func testStatusWebsocket() error {
	if len(createdIDs) == 0 {
		return fmt.Errorf("no report to subscribe to")
	}
	u, err := url.Parse(apiBase)
	if err != nil {
		return err
	}
	u.Scheme = strings.Replace(u.Scheme, "http", "ws", 1)
	u.Path = fmt.Sprintf("/ws/reports/%d/status", createdIDs[0])

	conn, _, err := websocket.DefaultDialer.Dial(u.String(), nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", u, err)
	}
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(10 * time.Second))

	var ev struct {
		ReportID int64  `json:"report_id"`
		Status   string `json:"status"`
	}
	if err := conn.ReadJSON(&ev); err != nil {
		return fmt.Errorf("read snapshot: %w", err)
	}
	if ev.ReportID != createdIDs[0] || ev.Status != "completed" {
		return fmt.Errorf("unexpected snapshot %+v", ev)
	}

	_, _, err = conn.ReadMessage()
	if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
		return fmt.Errorf("expected normal close, got %v", err)
	}
	return nil
}

func testListReports() error {
	resp, err := client.Get(apiBase + "/api/v1/reports/?category=glass&limit=1000")
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if err := expectStatus(resp, http.StatusOK); err != nil {
		return err
	}

	var rows []reportDTO
	if err := json.NewDecoder(resp.Body).Decode(&rows); err != nil {
		return err
	}
	found := 0
	for _, r := range rows {
		for _, id := range createdIDs {
			if r.ID == id {
				found++
			}
		}
	}
	if found != len(createdIDs) {
		return fmt.Errorf("expected %d created reports in list, found %d", len(createdIDs), found)
	}
	return nil
}

func testSyntheticGenerate() error {
	req, err := http.NewRequest("POST", apiBase+"/api/v1/synthetic/generate?count=3", nil)
	if err != nil {
		return err
	}
	addAuth(req)

	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if err := expectStatus(resp, http.StatusOK); err != nil {
		return err
	}

	var out struct {
		Status         string `json:"status"`
		GeneratedCount int    `json:"generated_count"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return err
	}
	if out.Status != "success" || out.GeneratedCount != 3 {
		return fmt.Errorf("unexpected result %+v", out)
	}
	return nil
}

func testExportZip() error {
	req, err := http.NewRequest("GET", apiBase+"/api/v1/reports/export/zip", nil)
	if err != nil {
		return err
	}
	addAuth(req)

	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if err := expectStatus(resp, http.StatusOK); err != nil {
		return err
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return fmt.Errorf("open archive: %w", err)
	}

	images := 0
	var manifest []map[string]any
	for _, f := range zr.File {
		if strings.HasPrefix(f.Name, "images/") {
			images++
			continue
		}
		if f.Name == "metadata.json" {
			rc, err := f.Open()
			if err != nil {
				return err
			}
			err = json.NewDecoder(rc).Decode(&manifest)
			rc.Close()
			if err != nil {
				return fmt.Errorf("decode metadata.json: %w", err)
			}
		}
	}
	if manifest == nil {
		return fmt.Errorf("metadata.json missing")
	}
	if len(manifest) != images {
		return fmt.Errorf("manifest lists %d reports but archive has %d images", len(manifest), images)
	}
	if images < len(createdIDs)+3 {
		return fmt.Errorf("expected at least %d images, got %d", len(createdIDs)+3, images)
	}
	return nil
}

// Helper functions

func getReport(id int64) (*reportDTO, error) {
	resp, err := client.Get(fmt.Sprintf("%s/api/v1/reports/%d", apiBase, id))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if err := expectStatus(resp, http.StatusOK); err != nil {
		return nil, err
	}
	var r reportDTO
	if err := json.NewDecoder(resp.Body).Decode(&r); err != nil {
		return nil, err
	}
	return &r, nil
}

func smokePhoto() ([]byte, error) {
	img := image.NewRGBA(image.Rect(0, 0, 64, 48))
	for x := 0; x < 64; x++ {
		for y := 0; y < 48; y++ {
			img.Set(x, y, color.RGBA{uint8(x * 4), uint8(y * 5), 120, 255})
		}
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: 80}); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func expectStatus(resp *http.Response, want int) error {
	if resp.StatusCode == want {
		return nil
	}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	return fmt.Errorf("status=%d body=%s", resp.StatusCode, string(body))
}

func addAuth(req *http.Request) {
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func maskString(s string) string {
	if s == "" {
		return "(not set)"
	}
	if len(s) <= 8 {
		return "***"
	}
	return s[:4] + "..." + s[len(s)-4:]
}
