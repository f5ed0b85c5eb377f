package receipt

import (
	"bytes"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"regexp"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/onsi/gomega/ghttp"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/zombor/receipt-approvals/internal/identity"
	"github.com/zombor/receipt-approvals/internal/observability"
)

const testPassword = "secret123"

var anyPath = regexp.MustCompile(`.*`)

var _ = Describe("Server", func() {
	var (
		registry    *identity.Registry
		service     *Service
		ghttpServer *ghttp.Server
		client      *http.Client
	)

	BeforeEach(func() {
		bolt := openTestBolt()
		users, err := identity.NewBoltDB(bolt)
		Expect(err).NotTo(HaveOccurred())
		receipts, err := NewBoltDB(bolt)
		Expect(err).NotTo(HaveOccurred())

		registry = identity.NewRegistry(users)
		Expect(registry.EnsureAdmin("root", testPassword)).To(Succeed())
		for _, name := range []string{"alice", "bob", "sam"} {
			_, err := registry.Signup(identity.Credentials{Username: name, Password: testPassword})
			Expect(err).NotTo(HaveOccurred())
		}
		admin, err := registry.GetUser("root")
		Expect(err).NotTo(HaveOccurred())
		_, err = registry.SetRole(admin, "sam", identity.RoleSupervisor, []string{"alice"})
		Expect(err).NotTo(HaveOccurred())

		reg := prometheus.NewRegistry()
		metrics := observability.NewMetrics(reg)
		service = NewServiceWithDeps(receipts, receipts, newMockScanner(), newMockStorage(), metrics, &sequentialIDs{},
			&tickingClock{now: time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)})
		server := NewServerWithMux(service, registry, metrics, reg, http.NewServeMux())

		ghttpServer = ghttp.NewServer()
		for _, method := range []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodOptions} {
			ghttpServer.RouteToHandler(method, anyPath, server.ServeHTTP)
		}
		DeferCleanup(ghttpServer.Close)
		client = &http.Client{}
	})

	do := func(method, path, user string, body any) *http.Response {
		var reader io.Reader
		if body != nil {
			data, err := json.Marshal(body)
			Expect(err).NotTo(HaveOccurred())
			reader = bytes.NewReader(data)
		}
		req, err := http.NewRequest(method, ghttpServer.URL()+path, reader)
		Expect(err).NotTo(HaveOccurred())
		if user != "" {
			req.SetBasicAuth(user, testPassword)
		}
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		resp, err := client.Do(req)
		Expect(err).NotTo(HaveOccurred())
		DeferCleanup(resp.Body.Close)
		return resp
	}

	decode := func(resp *http.Response, v any) {
		Expect(json.NewDecoder(resp.Body).Decode(v)).To(Succeed())
	}

	createReceipt := func(user string) receiptView {
		resp := do(http.MethodPost, "/api/receipts", user, map[string]any{
			"store_name":       "Cafe",
			"total_payment":    "$4.50",
			"expense_category": "meals",
		})
		Expect(resp.StatusCode).To(Equal(http.StatusCreated))
		var view receiptView
		decode(resp, &view)
		return view
	}

	receiptPath := func(view receiptView) string {
		return "/api/receipts/" + url.PathEscape(view.Owner) + "/" + url.PathEscape(view.ProcessedAt)
	}

	Describe("authentication", func() {
		It("requires credentials", func() {
			resp := do(http.MethodGet, "/api/receipts", "", nil)
			Expect(resp.StatusCode).To(Equal(http.StatusUnauthorized))
			Expect(resp.Header.Get("WWW-Authenticate")).To(ContainSubstring("Basic"))

			var body errorResponse
			decode(resp, &body)
			Expect(body.Code).To(Equal("unauthenticated"))
		})

		It("rejects a wrong password", func() {
			req, err := http.NewRequest(http.MethodGet, ghttpServer.URL()+"/api/me", nil)
			Expect(err).NotTo(HaveOccurred())
			req.SetBasicAuth("alice", "wrong-password")
			resp, err := client.Do(req)
			Expect(err).NotTo(HaveOccurred())
			defer resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusUnauthorized))
		})

		It("leaves health and metrics open", func() {
			Expect(do(http.MethodGet, "/healthz", "", nil).StatusCode).To(Equal(http.StatusOK))
			Expect(do(http.MethodGet, "/metrics", "", nil).StatusCode).To(Equal(http.StatusOK))
		})

		It("answers CORS preflight without credentials", func() {
			resp := do(http.MethodOptions, "/api/receipts", "", nil)
			Expect(resp.StatusCode).To(Equal(http.StatusNoContent))
			Expect(resp.Header.Get("Access-Control-Allow-Methods")).To(ContainSubstring("PUT"))
		})
	})

	Describe("accounts", func() {
		It("signs up a plain user", func() {
			resp := do(http.MethodPost, "/api/signup", "", map[string]string{"username": "dave", "password": testPassword})
			Expect(resp.StatusCode).To(Equal(http.StatusCreated))

			var user map[string]any
			decode(resp, &user)
			Expect(user).To(HaveKeyWithValue("role", "user"))
			Expect(user).NotTo(HaveKey("PasswordHash"))
		})

		It("refuses a duplicate signup", func() {
			resp := do(http.MethodPost, "/api/signup", "", map[string]string{"username": "alice", "password": testPassword})
			Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
		})

		It("describes the caller's effective team", func() {
			resp := do(http.MethodGet, "/api/me", "sam", nil)
			Expect(resp.StatusCode).To(Equal(http.StatusOK))

			var me struct {
				Role          string   `json:"role"`
				Team          []string `json:"team"`
				EffectiveTeam []string `json:"effective_team"`
			}
			decode(resp, &me)
			Expect(me.Role).To(Equal("supervisor"))
			Expect(me.Team).To(Equal([]string{"alice"}))
			Expect(me.EffectiveTeam).To(ConsistOf("sam", "alice"))
		})

		It("limits the user list to admins", func() {
			Expect(do(http.MethodGet, "/api/users", "alice", nil).StatusCode).To(Equal(http.StatusForbidden))
			Expect(do(http.MethodGet, "/api/users", "root", nil).StatusCode).To(Equal(http.StatusOK))
		})

		It("lets users view themselves but not others", func() {
			Expect(do(http.MethodGet, "/api/users/alice", "alice", nil).StatusCode).To(Equal(http.StatusOK))
			Expect(do(http.MethodGet, "/api/users/bob", "alice", nil).StatusCode).To(Equal(http.StatusForbidden))
			Expect(do(http.MethodGet, "/api/users/nobody", "root", nil).StatusCode).To(Equal(http.StatusNotFound))
		})

		It("lists team candidates for admins", func() {
			resp := do(http.MethodGet, "/api/users/sam/candidates", "root", nil)
			Expect(resp.StatusCode).To(Equal(http.StatusOK))

			var users []identity.User
			decode(resp, &users)
			names := []string{}
			for _, u := range users {
				names = append(names, u.Username)
			}
			Expect(names).To(Equal([]string{"alice", "bob"}))
		})

		It("assigns roles through the admin", func() {
			resp := do(http.MethodPost, "/api/users/bob/role", "root", map[string]any{"role": "supervisor", "team": []string{"alice", "bob"}})
			Expect(resp.StatusCode).To(Equal(http.StatusOK))

			var user identity.User
			decode(resp, &user)
			Expect(user.Role).To(Equal(identity.RoleSupervisor))
			Expect(user.Team).To(Equal([]string{"alice"}))
		})

		It("refuses role changes from non-admins", func() {
			resp := do(http.MethodPost, "/api/users/bob/role", "sam", map[string]any{"role": "admin"})
			Expect(resp.StatusCode).To(Equal(http.StatusForbidden))
		})

		It("refuses an unknown role", func() {
			resp := do(http.MethodPost, "/api/users/bob/role", "root", map[string]any{"role": "owner"})
			Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
		})
	})

	Describe("receipts", func() {
		It("creates a submitted receipt with no controls for its owner", func() {
			view := createReceipt("alice")
			Expect(view.Status).To(Equal(StatusSubmitted))
			Expect(view.Actions.RenderMode).To(Equal(RenderLabel))
		})

		It("reports validation failures as 422", func() {
			resp := do(http.MethodPost, "/api/receipts", "alice", map[string]any{"store_name": "Cafe", "total_payment": "lots"})
			Expect(resp.StatusCode).To(Equal(http.StatusUnprocessableEntity))

			var body errorResponse
			decode(resp, &body)
			Expect(body.Code).To(Equal("validation_error"))
		})

		It("lists visible receipts with approval controls for the supervisor", func() {
			createReceipt("alice")
			createReceipt("bob")

			resp := do(http.MethodGet, "/api/receipts", "sam", nil)
			Expect(resp.StatusCode).To(Equal(http.StatusOK))

			var views []receiptView
			decode(resp, &views)
			Expect(views).To(HaveLen(1))
			Expect(views[0].Owner).To(Equal("alice"))
			Expect(views[0].Actions.RenderMode).To(Equal(RenderButtons))
		})

		It("returns an empty array when nothing is visible", func() {
			resp := do(http.MethodGet, "/api/receipts", "bob", nil)
			body, err := io.ReadAll(resp.Body)
			Expect(err).NotTo(HaveOccurred())
			Expect(string(body)).To(MatchJSON(`[]`))
		})

		It("hides another user's receipt", func() {
			view := createReceipt("alice")
			Expect(do(http.MethodGet, receiptPath(view), "bob", nil).StatusCode).To(Equal(http.StatusNotFound))
			Expect(do(http.MethodGet, receiptPath(view), "sam", nil).StatusCode).To(Equal(http.StatusOK))
		})

		It("lets the owner edit fields", func() {
			view := createReceipt("alice")
			resp := do(http.MethodPut, receiptPath(view), "alice", map[string]any{"store_name": "Diner"})
			Expect(resp.StatusCode).To(Equal(http.StatusOK))

			var updated receiptView
			decode(resp, &updated)
			Expect(updated.StoreName).To(Equal("Diner"))
		})

		It("refuses a status change through the edit route", func() {
			view := createReceipt("alice")
			resp := do(http.MethodPut, receiptPath(view), "alice", map[string]any{"status": "approved"})
			Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
		})
	})

	Describe("status transitions", func() {
		var view receiptView

		BeforeEach(func() {
			view = createReceipt("alice")
		})

		transition := func(user, status string) (*http.Response, string) {
			resp := do(http.MethodPost, receiptPath(view)+"/status", user, map[string]string{"status": status})
			var body struct {
				Code string `json:"code"`
			}
			decode(resp, &body)
			return resp, body.Code
		}

		It("approves once and conflicts afterwards", func() {
			resp, code := transition("sam", "approved")
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			Expect(code).To(Equal("success"))

			resp, code = transition("root", "rejected")
			Expect(resp.StatusCode).To(Equal(http.StatusConflict))
			Expect(code).To(Equal("invalid_state"))
		})

		It("forbids the owner", func() {
			resp, code := transition("alice", "approved")
			Expect(resp.StatusCode).To(Equal(http.StatusForbidden))
			Expect(code).To(Equal("forbidden"))
		})

		It("refuses an unknown target", func() {
			resp, code := transition("sam", "paid")
			Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
			Expect(code).To(Equal("invalid_argument"))
		})

		It("reports a missing receipt", func() {
			resp := do(http.MethodPost, "/api/receipts/alice/nope/status", "root", map[string]string{"status": "approved"})
			Expect(resp.StatusCode).To(Equal(http.StatusNotFound))
		})
	})

	Describe("uploads", func() {
		upload := func(user, filename string, content []byte) *http.Response {
			body := &bytes.Buffer{}
			writer := multipart.NewWriter(body)
			part, err := writer.CreateFormFile("file", filename)
			Expect(err).NotTo(HaveOccurred())
			_, err = part.Write(content)
			Expect(err).NotTo(HaveOccurred())
			Expect(writer.Close()).To(Succeed())

			req, err := http.NewRequest(http.MethodPost, ghttpServer.URL()+"/api/receipts/scan", body)
			Expect(err).NotTo(HaveOccurred())
			req.Header.Set("Content-Type", writer.FormDataContentType())
			req.SetBasicAuth(user, testPassword)
			resp, err := client.Do(req)
			Expect(err).NotTo(HaveOccurred())
			DeferCleanup(resp.Body.Close)
			return resp
		}

		It("scans an upload and serves the image to its uploader", func() {
			resp := upload("alice", "receipt.png", []byte("png bytes"))
			Expect(resp.StatusCode).To(Equal(http.StatusOK))

			var scanned Upload
			decode(resp, &scanned)
			Expect(scanned.ImageRef).NotTo(BeEmpty())
			Expect(scanned.StoreName).To(Equal("Office Depot"))

			image := do(http.MethodGet, "/api/uploads/"+scanned.ImageRef, "alice", nil)
			Expect(image.StatusCode).To(Equal(http.StatusOK))
			Expect(image.Header.Get("Content-Type")).To(Equal("image/png"))

			Expect(do(http.MethodGet, "/api/uploads/"+scanned.ImageRef, "bob", nil).StatusCode).To(Equal(http.StatusNotFound))
		})

		It("refuses unsupported files", func() {
			resp := upload("alice", "notes.txt", []byte("hello"))
			Expect(resp.StatusCode).To(Equal(http.StatusUnprocessableEntity))
		})

		It("requires a file part", func() {
			req, err := http.NewRequest(http.MethodPost, ghttpServer.URL()+"/api/receipts/scan", bytes.NewBufferString("not multipart"))
			Expect(err).NotTo(HaveOccurred())
			req.SetBasicAuth("alice", testPassword)
			resp, err := client.Do(req)
			Expect(err).NotTo(HaveOccurred())
			defer resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
		})
	})
})
