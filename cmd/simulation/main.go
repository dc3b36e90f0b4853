package main

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha512"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net/http"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/swiftcart/escrow-api/internal/audit"
	"github.com/swiftcart/escrow-api/internal/auth"
	"github.com/swiftcart/escrow-api/internal/clock"
	"github.com/swiftcart/escrow-api/internal/database"
	"github.com/swiftcart/escrow-api/internal/escrow"
	"github.com/swiftcart/escrow-api/internal/gateway"
	"github.com/swiftcart/escrow-api/internal/scheduler"
	"github.com/swiftcart/escrow-api/internal/types"
	"github.com/swiftcart/escrow-api/internal/webhook"
	"github.com/swiftcart/escrow-api/pkg/middleware"
)

const (
	minOrders     = 10
	maxOrders     = 60
	numWorkers    = 5
	serverAddress = "http://localhost:8080"
	jwtSecret     = "sim-jwt-secret"
	webhookSecret = "sim-webhook-secret"
)

// init configures the logger for the simulation with pretty printing and timestamp
func init() {
	output := zerolog.ConsoleWriter{
		Out:        os.Stdout,
		TimeFormat: time.RFC3339,
	}
	log.Logger = zerolog.New(output).With().Timestamp().Logger()
}

// routeStats tracks performance statistics for an API endpoint
type routeStats struct {
	name       string
	durations  []time.Duration
	totalCalls int
	failures   int
}

func (rs *routeStats) addDuration(d time.Duration) {
	rs.durations = append(rs.durations, d)
	rs.totalCalls++
}

// calculate computes performance statistics from recorded durations
func (rs *routeStats) calculate() (min, max, mean, median, p95, p99 time.Duration) {
	if len(rs.durations) == 0 {
		return 0, 0, 0, 0, 0, 0
	}

	sort.Slice(rs.durations, func(i, j int) bool {
		return rs.durations[i] < rs.durations[j]
	})

	min = rs.durations[0]
	max = rs.durations[len(rs.durations)-1]

	var sum time.Duration
	for _, d := range rs.durations {
		sum += d
	}
	mean = sum / time.Duration(len(rs.durations))
	median = rs.durations[len(rs.durations)/2]

	p95idx := int(math.Ceil(float64(len(rs.durations))*0.95)) - 1
	p99idx := int(math.Ceil(float64(len(rs.durations))*0.99)) - 1
	p95 = rs.durations[p95idx]
	p99 = rs.durations[p99idx]

	return
}

// simulationClient handles HTTP communication with the escrow API
type simulationClient struct {
	baseURL       string
	customerToken string
	driverToken   string
	adminToken    string
	client        *http.Client
	stats         map[string]*routeStats
}

// newSimulationClient authenticates each role and prepares stats tracking
func newSimulationClient() (*simulationClient, error) {
	sc := &simulationClient{
		baseURL: serverAddress,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
		stats: map[string]*routeStats{
			"auth":      {name: "Authentication"},
			"order":     {name: "Create Order"},
			"escrow":    {name: "Create Escrow"},
			"webhook":   {name: "Gateway Webhook"},
			"delivered": {name: "Mark Delivered"},
			"confirm":   {name: "Confirm Receipt"},
		},
	}

	var err error
	if sc.customerToken, err = sc.authenticate(auth.TestCustomerKey, auth.TestCustomerSecret); err != nil {
		return nil, fmt.Errorf("failed to authenticate customer: %w", err)
	}
	if sc.driverToken, err = sc.authenticate(auth.TestDriverKey, auth.TestDriverSecret); err != nil {
		return nil, fmt.Errorf("failed to authenticate driver: %w", err)
	}
	if sc.adminToken, err = sc.authenticate(auth.TestAdminKey, auth.TestAdminSecret); err != nil {
		return nil, fmt.Errorf("failed to authenticate admin: %w", err)
	}

	return sc, nil
}

func (sc *simulationClient) authenticate(apiKey, apiSecret string) (string, error) {
	start := time.Now()
	defer func() {
		sc.stats["auth"].addDuration(time.Since(start))
	}()

	credentials := map[string]string{
		"api_key":    apiKey,
		"api_secret": apiSecret,
	}

	body, err := json.Marshal(credentials)
	if err != nil {
		return "", err
	}

	resp, err := sc.client.Post(
		fmt.Sprintf("%s/api/v1/auth/token", sc.baseURL),
		"application/json",
		bytes.NewBuffer(body),
	)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return "", fmt.Errorf("authentication failed with status: %d", resp.StatusCode)
	}

	var result struct {
		Success bool `json:"success"`
		Data    struct {
			Token string `json:"jwt_token"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", err
	}

	return result.Data.Token, nil
}

// postJSON issues an authenticated POST and decodes the standard envelope
func (sc *simulationClient) postJSON(token, path string, payload interface{}, out interface{}) error {
	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		body = bytes.NewBuffer(raw)
	}

	req, err := http.NewRequest("POST", sc.baseURL+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", fmt.Sprintf("Bearer %s", token))
	req.Header.Set("Content-Type", "application/json")

	resp, err := sc.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response body: %w", err)
	}
	log.Debug().Str("path", path).Str("response", string(respBody)).Msg("API response")

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("%s failed with status %d: %s", path, resp.StatusCode, string(respBody))
	}

	if out != nil {
		if err := json.Unmarshal(respBody, out); err != nil {
			return fmt.Errorf("failed to decode response: %w, body: %s", err, string(respBody))
		}
	}

	return nil
}

func (sc *simulationClient) createOrder(amount int64) (string, error) {
	start := time.Now()
	defer func() {
		sc.stats["order"].addDuration(time.Since(start))
	}()

	payload := escrow.CreateOrderRequest{
		CustomerID:  auth.TestCustomerKey,
		MerchantID:  "MERCHANT_1",
		DriverID:    auth.TestDriverKey,
		TotalAmount: amount,
		Currency:    "NGN",
	}

	var result struct {
		Success bool        `json:"success"`
		Data    types.Order `json:"data"`
	}
	if err := sc.postJSON(sc.customerToken, "/api/v1/orders", payload, &result); err != nil {
		sc.stats["order"].failures++
		return "", err
	}
	if result.Data.OrderID == "" {
		sc.stats["order"].failures++
		return "", fmt.Errorf("no order ID in response")
	}

	return result.Data.OrderID, nil
}

func (sc *simulationClient) createEscrow(orderID string, amount, merchantSplit, driverSplit int64) (*types.EscrowResponse, error) {
	start := time.Now()
	defer func() {
		sc.stats["escrow"].addDuration(time.Since(start))
	}()

	payload := escrow.CreateEscrowRequest{
		OrderID:       orderID,
		Amount:        amount,
		MerchantSplit: merchantSplit,
		DriverSplit:   driverSplit,
		CustomerEmail: "customer@example.com",
	}

	var result struct {
		Success bool                 `json:"success"`
		Data    types.EscrowResponse `json:"data"`
	}
	if err := sc.postJSON(sc.customerToken, "/api/v1/escrows", payload, &result); err != nil {
		sc.stats["escrow"].failures++
		return nil, err
	}
	if result.Data.EscrowID == "" {
		sc.stats["escrow"].failures++
		return nil, fmt.Errorf("no escrow ID in response")
	}

	return &result.Data, nil
}

// sendWebhook signs the payload the way the gateway does and posts it
func (sc *simulationClient) sendWebhook(event string, reference string, amount int64) error {
	start := time.Now()
	defer func() {
		sc.stats["webhook"].addDuration(time.Since(start))
	}()

	payload := webhook.Event{
		Event: event,
		Data: webhook.EventData{
			Reference: reference,
			Amount:    amount,
			ID:        rand.Int63n(1_000_000),
		},
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	mac := hmac.New(sha512.New, []byte(webhookSecret))
	mac.Write(body)
	signature := hex.EncodeToString(mac.Sum(nil))

	req, err := http.NewRequest("POST", sc.baseURL+"/api/v1/webhooks/gateway", bytes.NewBuffer(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Signature", signature)

	resp, err := sc.client.Do(req)
	if err != nil {
		sc.stats["webhook"].failures++
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		sc.stats["webhook"].failures++
		respBody, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("webhook failed with status %d: %s", resp.StatusCode, string(respBody))
	}

	return nil
}

func (sc *simulationClient) markDelivered(orderID string) error {
	start := time.Now()
	defer func() {
		sc.stats["delivered"].addDuration(time.Since(start))
	}()

	if err := sc.postJSON(sc.driverToken, fmt.Sprintf("/api/v1/orders/%s/delivered", orderID), nil, nil); err != nil {
		sc.stats["delivered"].failures++
		return err
	}
	return nil
}

func (sc *simulationClient) confirmReceipt(orderID string) (*types.ReleaseResponse, error) {
	start := time.Now()
	defer func() {
		sc.stats["confirm"].addDuration(time.Since(start))
	}()

	var result struct {
		Success bool                  `json:"success"`
		Data    types.ReleaseResponse `json:"data"`
	}
	if err := sc.postJSON(sc.customerToken, fmt.Sprintf("/api/v1/orders/%s/confirm", orderID), nil, &result); err != nil {
		sc.stats["confirm"].failures++
		return nil, err
	}

	return &result.Data, nil
}

func (sc *simulationClient) registerRecipient(userID, code string) error {
	payload := escrow.RegisterRecipientRequest{
		UserID:        userID,
		RecipientCode: code,
		BankName:      "Simulation Bank",
	}
	return sc.postJSON(sc.adminToken, "/api/v1/admin/recipients", payload, nil)
}

// printPerformanceStats outputs formatted performance statistics for all API endpoints
func (sc *simulationClient) printPerformanceStats() {
	fmt.Println("\nAPI Performance Statistics")
	fmt.Println(strings.Repeat("-", 100))
	fmt.Printf("%-20s %10s %10s %10s %10s %10s %10s %10s %10s\n",
		"Endpoint", "Calls", "Errors", "Min", "Max", "Mean", "Median", "P95", "P99")
	fmt.Println(strings.Repeat("-", 100))

	for _, stats := range sc.stats {
		min, max, mean, median, p95, p99 := stats.calculate()
		fmt.Printf("%-20s %10d %10d %10s %10s %10s %10s %10s %10s\n",
			stats.name,
			stats.totalCalls,
			stats.failures,
			min.Round(time.Millisecond),
			max.Round(time.Millisecond),
			mean.Round(time.Millisecond),
			median.Round(time.Millisecond),
			p95.Round(time.Millisecond),
			p99.Round(time.Millisecond))
	}
	fmt.Println(strings.Repeat("-", 100))
}

// main runs the escrow lifecycle simulation
// It starts a local API server and drives orders from checkout through
// charge confirmation, delivery, receipt confirmation and payout webhooks
func main() {
	go func() {
		if err := startServer(); err != nil {
			log.Fatal().Err(err).Msg("Failed to start server")
		}
	}()

	// Wait for server to start
	time.Sleep(2 * time.Second)

	simClient, err := newSimulationClient()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize simulation client")
	}

	// Register payout recipients for the merchant and the driver
	if err := simClient.registerRecipient("MERCHANT_1", "RCP_merchant_1"); err != nil {
		log.Fatal().Err(err).Msg("Failed to register merchant recipient")
	}
	if err := simClient.registerRecipient(auth.TestDriverKey, "RCP_driver_1"); err != nil {
		log.Fatal().Err(err).Msg("Failed to register driver recipient")
	}

	targetOrders := rand.Intn(maxOrders-minOrders) + minOrders
	log.Info().Int("target_orders", targetOrders).Msg("Starting simulation")

	ordersChan := make(chan string, targetOrders)
	var wg sync.WaitGroup

	for i := 0; i < numWorkers; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			createOrdersHTTP(workerID, targetOrders/numWorkers, simClient, ordersChan)
		}(i)
	}

	wg.Wait()
	close(ordersChan)

	var orderIDs []string
	for orderID := range ordersChan {
		orderIDs = append(orderIDs, orderID)
	}

	log.Info().Int("orders_created", len(orderIDs)).Msg("All orders created")

	stats := struct {
		TotalOrders     int
		EscrowsOpened   int
		ChargesSettled  int
		Released        int
		FailedLegs      int
		TotalValue      int64
		FailedEscrows   int
		FailedReleases  int
		StartTime       time.Time
	}{
		StartTime:   time.Now(),
		TotalOrders: len(orderIDs),
	}

	for _, orderID := range orderIDs {
		amount := int64(rand.Intn(9000)+1000) * 100
		merchantSplit := amount * 80 / 100
		driverSplit := amount - merchantSplit

		esc, err := simClient.createEscrow(orderID, amount, merchantSplit, driverSplit)
		if err != nil {
			log.Error().Err(err).Str("order_id", orderID).Msg("Failed to create escrow")
			stats.FailedEscrows++
			continue
		}
		stats.EscrowsOpened++
		stats.TotalValue += amount

		// Gateway confirms the customer charge
		if err := simClient.sendWebhook(webhook.EventChargeSuccess, esc.PaymentReference, amount); err != nil {
			log.Error().Err(err).Str("order_id", orderID).Msg("Failed to deliver charge webhook")
			continue
		}
		stats.ChargesSettled++

		// Driver delivers, customer confirms receipt
		if err := simClient.markDelivered(orderID); err != nil {
			log.Error().Err(err).Str("order_id", orderID).Msg("Failed to mark delivered")
			stats.FailedReleases++
			continue
		}

		release, err := simClient.confirmReceipt(orderID)
		if err != nil {
			log.Error().Err(err).Str("order_id", orderID).Msg("Failed to confirm receipt")
			stats.FailedReleases++
			continue
		}
		stats.Released++

		log.Info().
			Str("order_id", orderID).
			Str("escrow_id", release.Escrow.EscrowID).
			Int64("merchant_amount", release.MerchantAmount).
			Int64("driver_amount", release.DriverAmount).
			Msg("Escrow released")

		// Gateway settles both legs; a small share of driver legs fail
		merchantRef := "merchant_" + esc.PaymentReference
		driverRef := "driver_" + esc.PaymentReference

		if err := simClient.sendWebhook(webhook.EventTransferSuccess, merchantRef, release.MerchantAmount); err != nil {
			log.Error().Err(err).Str("order_id", orderID).Msg("Failed to deliver merchant transfer webhook")
		}

		if rand.Float64() < 0.05 {
			if err := simClient.sendWebhook(webhook.EventTransferFailed, driverRef, release.DriverAmount); err != nil {
				log.Error().Err(err).Str("order_id", orderID).Msg("Failed to deliver driver transfer webhook")
			}
			stats.FailedLegs++
		} else {
			if err := simClient.sendWebhook(webhook.EventTransferSuccess, driverRef, release.DriverAmount); err != nil {
				log.Error().Err(err).Str("order_id", orderID).Msg("Failed to deliver driver transfer webhook")
			}
		}
	}

	duration := time.Since(stats.StartTime)
	fmt.Println("\n" + strings.Repeat("=", 80))
	fmt.Println("ESCROW SIMULATION SUMMARY")
	fmt.Println(strings.Repeat("=", 80))

	fmt.Printf(`
Order Statistics
----------------
Total Orders:     %d
Escrows Opened:   %d
Charges Settled:  %d
Released:         %d
Failed Legs:      %d
Failed Escrows:   %d
Failed Releases:  %d
Total Value:      %d
Duration:         %v
`, stats.TotalOrders, stats.EscrowsOpened, stats.ChargesSettled, stats.Released,
		stats.FailedLegs, stats.FailedEscrows, stats.FailedReleases,
		stats.TotalValue, duration.Round(time.Millisecond))

	fmt.Println("\n" + strings.Repeat("=", 80))

	successRate := float64(stats.Released) / float64(stats.TotalOrders) * 100
	log.Info().
		Float64("success_rate", successRate).
		Int("total_orders", stats.TotalOrders).
		Int("released", stats.Released).
		Int64("total_value", stats.TotalValue).
		Dur("duration", duration).
		Msg("Simulation completed")

	simClient.printPerformanceStats()
}

// createOrdersHTTP generates and submits random orders to the API
// Runs as a worker goroutine, sending created order IDs to ordersChan
func createOrdersHTTP(workerID, numOrders int, simClient *simulationClient, ordersChan chan<- string) {
	for i := 0; i < numOrders; i++ {
		amount := int64(rand.Intn(9000)+1000) * 100

		orderID, err := simClient.createOrder(amount)
		if err != nil {
			log.Error().Err(err).
				Int("worker_id", workerID).
				Msg("Failed to create order")
			continue
		}

		ordersChan <- orderID
		log.Info().
			Int("worker_id", workerID).
			Str("order_id", orderID).
			Int64("amount", amount).
			Msg("Order created")

		// Random sleep between orders
		time.Sleep(time.Duration(rand.Intn(200)) * time.Millisecond)
	}
}

// startServer initializes and starts the escrow API server
// Sets up all required services, handlers and routes
func startServer() error {
	db, err := database.NewDatabase("simulation.db")
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}

	authService := auth.NewService(jwtSecret)
	authService.RegisterAPICredentials(auth.TestCustomerKey, auth.TestCustomerSecret, auth.RoleCustomer)
	authService.RegisterAPICredentials(auth.TestDriverKey, auth.TestDriverSecret, auth.RoleDriver)
	authService.RegisterAPICredentials(auth.TestAdminKey, auth.TestAdminSecret, auth.RoleAdmin)

	auditSink := audit.NewSink(db)
	// The simulation settles everything through webhooks, so the
	// outbound gateway points at an unreachable host and legs stay
	// PENDING until the signed callbacks arrive.
	gatewayClient := gateway.NewHTTPClient("http://localhost:9", "sim-gateway-key")

	escrowService := escrow.NewService(db, gatewayClient, auditSink, clock.NewSystem(), 48*time.Hour)
	escrowHandlers := escrow.NewGinHandlers(escrowService)
	webhookHandler := webhook.NewHandler(escrowService, webhookSecret)

	router := gin.Default()
	authHandlers := auth.NewGinHandlers(authService)

	setupRoutes(router, authHandlers, escrowHandlers, webhookHandler)

	// The scheduler runs but finds nothing: simulated windows are 48h out
	go scheduler.NewScheduler(escrowService, clock.NewSystem(), time.Hour).Start(context.Background())

	return router.Run(":8080")
}

// setupRoutes configures all API endpoints and their handlers
// Groups routes by functionality and applies appropriate middleware
func setupRoutes(
	router *gin.Engine,
	authHandlers *auth.GinHandlers,
	escrowHandlers *escrow.GinHandlers,
	webhookHandler *webhook.Handler,
) {
	v1 := router.Group("/api/v1")
	{
		authGroup := v1.Group("/auth")
		{
			authGroup.POST("/token", authHandlers.GenerateTokenHandler())
		}

		webhooks := v1.Group("/webhooks")
		{
			webhooks.POST("/gateway", webhookHandler.GatewayWebhookHandler())
		}

		escrows := v1.Group("/escrows")
		escrows.Use(middleware.JWTAuth(jwtSecret))
		{
			escrows.POST("", escrowHandlers.CreateEscrowHandler())
			escrows.GET("/order/:order_id", escrowHandlers.GetEscrowByOrderHandler())
			escrows.POST("/:escrow_id/dispute", escrowHandlers.DisputeHandler())
		}

		orders := v1.Group("/orders")
		orders.Use(middleware.JWTAuth(jwtSecret))
		{
			orders.POST("", escrowHandlers.CreateOrderHandler())
			orders.POST("/:order_id/delivered", escrowHandlers.MarkDeliveredHandler())
			orders.POST("/:order_id/confirm", escrowHandlers.ConfirmReceiptHandler())
		}

		admin := v1.Group("/admin")
		admin.Use(middleware.JWTAuth(jwtSecret), middleware.RequireRole(auth.RoleAdmin))
		{
			admin.GET("/escrows", escrowHandlers.AdminListEscrowsHandler())
			admin.POST("/orders/:order_id/release", escrowHandlers.AdminReleaseHandler())
			admin.POST("/escrows/:escrow_id/refund", escrowHandlers.AdminRefundHandler())
			admin.POST("/escrows/:escrow_id/resolve", escrowHandlers.AdminResolveDisputeHandler())
			admin.POST("/recipients", escrowHandlers.AdminRegisterRecipientHandler())
		}
	}
}
