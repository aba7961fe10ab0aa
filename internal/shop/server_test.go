package shop

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"regexp"
	"strings"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/onsi/gomega/ghttp"

	"github.com/zombor/repair-desk/internal/resolution"
	"github.com/zombor/repair-desk/internal/scanning"
)

var _ = Describe("Server", func() {
	var (
		db          *mockDB
		reader      *mockReader
		storage     *mockStorage
		auth        BasicAuth
		ghttpServer *ghttp.Server
	)

	BeforeEach(func() {
		db = newMockDB()
		reader = &mockReader{}
		storage = newMockStorage()
		auth = BasicAuth{}
	})

	JustBeforeEach(func() {
		service := NewServiceWithDeps(db, reader, storage,
			&fixedIDGenerator{id: "att-1"}, &fixedTimeSource{t: time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)})
		server := NewServerWithMux(service, auth, http.NewServeMux())

		ghttpServer = ghttp.NewServer()
		everything := regexp.MustCompile(`.*`)
		for _, method := range []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"} {
			ghttpServer.RouteToHandler(method, everything, server.Handler().ServeHTTP)
		}
	})

	AfterEach(func() {
		if ghttpServer != nil {
			ghttpServer.Close()
		}
	})

	do := func(method, path, body string) *http.Response {
		req, err := http.NewRequest(method, ghttpServer.URL()+path, strings.NewReader(body))
		Expect(err).NotTo(HaveOccurred())
		if body != "" {
			req.Header.Set("Content-Type", "application/json")
		}
		resp, err := http.DefaultClient.Do(req)
		Expect(err).NotTo(HaveOccurred())
		DeferCleanup(resp.Body.Close)
		return resp
	}

	decode := func(resp *http.Response, v any) {
		body, err := io.ReadAll(resp.Body)
		Expect(err).NotTo(HaveOccurred())
		Expect(json.Unmarshal(body, v)).To(Succeed(), string(body))
	}

	upload := func(path, filename string, data []byte) *http.Response {
		var buf bytes.Buffer
		writer := multipart.NewWriter(&buf)
		part, err := writer.CreateFormFile("file", filename)
		Expect(err).NotTo(HaveOccurred())
		_, err = part.Write(data)
		Expect(err).NotTo(HaveOccurred())
		Expect(writer.Close()).To(Succeed())

		resp, err := http.Post(ghttpServer.URL()+path, writer.FormDataContentType(), &buf)
		Expect(err).NotTo(HaveOccurred())
		DeferCleanup(resp.Body.Close)
		return resp
	}

	Describe("handleIndex", func() {
		It("should return the scan box page", func() {
			resp := do("GET", "/", "")
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			Expect(resp.Header.Get("Content-Type")).To(ContainSubstring("text/html"))
			body, err := io.ReadAll(resp.Body)
			Expect(err).NotTo(HaveOccurred())
			Expect(string(body)).To(ContainSubstring("Repair Desk"))
		})

		It("should reject other methods", func() {
			resp := do("POST", "/", "")
			Expect(resp.StatusCode).To(Equal(http.StatusMethodNotAllowed))
		})
	})

	Describe("CORS", func() {
		It("should answer preflight requests", func() {
			resp := do("OPTIONS", "/api/scan", "")
			Expect(resp.StatusCode).To(Equal(http.StatusNoContent))
			Expect(resp.Header.Get("Access-Control-Allow-Origin")).To(Equal("*"))
		})
	})

	Describe("authentication", func() {
		BeforeEach(func() {
			auth = BasicAuth{Username: "desk", Password: "secret"}
		})

		It("should reject requests without credentials", func() {
			resp := do("GET", "/api/customers", "")
			Expect(resp.StatusCode).To(Equal(http.StatusUnauthorized))
			Expect(resp.Header.Get("WWW-Authenticate")).To(ContainSubstring("Repair Desk"))
		})

		It("should accept valid credentials", func() {
			req, err := http.NewRequest("GET", ghttpServer.URL()+"/api/customers", nil)
			Expect(err).NotTo(HaveOccurred())
			req.Header.Set("Authorization", "Basic "+base64.StdEncoding.EncodeToString([]byte("desk:secret")))
			resp, err := http.DefaultClient.Do(req)
			Expect(err).NotTo(HaveOccurred())
			defer resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
		})
	})

	Describe("handleScan", func() {
		When("the scan matches a customer card", func() {
			BeforeEach(func() {
				db.customers[17] = &Customer{ID: 17, FirstName: "Ann", Barcode: "CUST-00017"}
			})

			It("should return the resolution", func() {
				resp := do("POST", "/api/scan", `{"raw":"CUST-00017"}`)
				Expect(resp.StatusCode).To(Equal(http.StatusOK))
				Expect(resp.Header.Get("Content-Type")).To(Equal("application/json"))

				var scan ScanResponse
				decode(resp, &scan)
				Expect(scan.Payload.Kind).To(Equal(scanning.KindCustomer))
				Expect(scan.Result).To(Equal(resolution.Result{Action: resolution.ActionNavigateCustomer, CustomerID: 17}))
			})
		})

		When("nothing matches", func() {
			It("should still succeed with no_match", func() {
				resp := do("POST", "/api/scan", `{"raw":"mystery"}`)
				Expect(resp.StatusCode).To(Equal(http.StatusOK))

				var scan ScanResponse
				decode(resp, &scan)
				Expect(scan.Result.Action).To(Equal(resolution.ActionNoMatch))
			})
		})

		When("the scan is empty", func() {
			It("should return Bad Request", func() {
				resp := do("POST", "/api/scan", `{"raw":"  "}`)
				Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
			})
		})

		When("the body is not JSON", func() {
			It("should return Bad Request", func() {
				resp := do("POST", "/api/scan", `WO-1`)
				Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
			})
		})

		When("a lookup fails", func() {
			BeforeEach(func() {
				db.lookupErr = errors.New("database is locked")
			})

			It("should return Internal Server Error without details", func() {
				resp := do("POST", "/api/scan", `{"raw":"WO-1"}`)
				Expect(resp.StatusCode).To(Equal(http.StatusInternalServerError))

				var body map[string]string
				decode(resp, &body)
				Expect(body["error"]).NotTo(ContainSubstring("locked"))
			})
		})
	})

	Describe("handleScanImage", func() {
		When("the label is read", func() {
			BeforeEach(func() {
				reader.text = "WO-5"
				db.workOrders[5] = &WorkOrder{ID: 5}
			})

			It("should resolve the label", func() {
				resp := upload("/api/scan/image", "label.jpg", []byte("jpeg"))
				Expect(resp.StatusCode).To(Equal(http.StatusOK))

				var scan ScanResponse
				decode(resp, &scan)
				Expect(scan.Result).To(Equal(resolution.Result{Action: resolution.ActionNavigateWorkOrder, WorkOrderID: 5}))
			})

			It("should detect the content type from the extension", func() {
				upload("/api/scan/image", "label.HEIC", []byte("heic"))
				Expect(reader.contentType).To(Equal("image/heic"))
			})
		})

		When("no label is found", func() {
			BeforeEach(func() {
				reader.err = scanning.ErrNoLabel
			})

			It("should return Unprocessable Entity", func() {
				resp := upload("/api/scan/image", "label.jpg", []byte("jpeg"))
				Expect(resp.StatusCode).To(Equal(http.StatusUnprocessableEntity))
			})
		})

		When("no file is sent", func() {
			It("should return Bad Request", func() {
				var buf bytes.Buffer
				writer := multipart.NewWriter(&buf)
				Expect(writer.Close()).To(Succeed())
				resp, err := http.Post(ghttpServer.URL()+"/api/scan/image", writer.FormDataContentType(), &buf)
				Expect(err).NotTo(HaveOccurred())
				defer resp.Body.Close()
				Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
			})
		})
	})

	Describe("handleCreateFromScan", func() {
		It("should create the customer and work order", func() {
			resp := do("POST", "/api/scan/create", `{"prefill":{"kind":"payload","cf":"Mike","cl":"McClure","dt":"Laptop"}}`)
			Expect(resp.StatusCode).To(Equal(http.StatusCreated))

			var created struct {
				Customer  Customer  `json:"customer"`
				WorkOrder WorkOrder `json:"work_order"`
			}
			decode(resp, &created)
			Expect(created.Customer.FirstName).To(Equal("Mike"))
			Expect(created.WorkOrder.CustomerID).To(Equal(created.Customer.ID))
			Expect(created.WorkOrder.DeviceType).To(Equal("Laptop"))
		})

		It("should return Not Found for an unknown customer", func() {
			resp := do("POST", "/api/scan/create", `{"customer_id":99,"prefill":{"kind":"payload","dt":"Laptop"}}`)
			Expect(resp.StatusCode).To(Equal(http.StatusNotFound))
		})

		It("should return Conflict without keeping the new customer when the scan code is taken", func() {
			db.workOrders[1] = &WorkOrder{ID: 1, ScanCode: "WO-1"}
			db.workOrderSaveErr = ErrDuplicate

			resp := do("POST", "/api/scan/create", `{"prefill":{"kind":"payload","wo":"WO-1","cf":"Mike"}}`)
			Expect(resp.StatusCode).To(Equal(http.StatusConflict))
			Expect(db.customers).To(BeEmpty())
		})
	})

	Describe("customers", func() {
		It("should create and fetch a customer", func() {
			resp := do("POST", "/api/customers", `{"first_name":"Ann","last_name":"Lee"}`)
			Expect(resp.StatusCode).To(Equal(http.StatusCreated))
			var created Customer
			decode(resp, &created)
			Expect(created.ID).NotTo(BeZero())

			resp = do("GET", "/api/customers/1", "")
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			var fetched Customer
			decode(resp, &fetched)
			Expect(fetched.FirstName).To(Equal("Ann"))
		})

		It("should reject a customer without a name", func() {
			resp := do("POST", "/api/customers", `{"phone":"555"}`)
			Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
		})

		It("should return Not Found for a missing customer", func() {
			resp := do("GET", "/api/customers/42", "")
			Expect(resp.StatusCode).To(Equal(http.StatusNotFound))
		})

		It("should return Bad Request for a malformed id", func() {
			resp := do("GET", "/api/customers/abc", "")
			Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
		})

		When("a customer exists", func() {
			BeforeEach(func() {
				db.customers[3] = &Customer{ID: 3, FirstName: "Ann"}
				db.workOrders[8] = &WorkOrder{ID: 8, CustomerID: 3}
				db.workOrders[9] = &WorkOrder{ID: 9, CustomerID: 4}
			})

			It("should update it", func() {
				resp := do("PUT", "/api/customers/3", `{"first_name":"Anne"}`)
				Expect(resp.StatusCode).To(Equal(http.StatusOK))
				Expect(db.customers[3].FirstName).To(Equal("Anne"))
			})

			It("should list only its work orders", func() {
				resp := do("GET", "/api/customers/3/workorders", "")
				Expect(resp.StatusCode).To(Equal(http.StatusOK))
				var workOrders []*WorkOrder
				decode(resp, &workOrders)
				Expect(workOrders).To(HaveLen(1))
				Expect(workOrders[0].ID).To(Equal(int64(8)))
			})

			It("should refuse to delete it while it has work orders", func() {
				resp := do("DELETE", "/api/customers/3", "")
				Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
			})

			It("should add and list notes", func() {
				resp := do("POST", "/api/customers/3/notes", `{"note":"called about pickup"}`)
				Expect(resp.StatusCode).To(Equal(http.StatusCreated))
				var note CustomerNote
				decode(resp, &note)
				Expect(note.CustomerID).To(Equal(int64(3)))

				resp = do("GET", "/api/customers/3/notes", "")
				Expect(resp.StatusCode).To(Equal(http.StatusOK))
				var notes []*CustomerNote
				decode(resp, &notes)
				Expect(notes).To(HaveLen(1))
				Expect(notes[0].Note).To(Equal("called about pickup"))
			})

			It("should reject an empty note", func() {
				resp := do("POST", "/api/customers/3/notes", `{"note":" "}`)
				Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
			})
		})

		It("should return Not Found for the history of a missing customer", func() {
			resp := do("GET", "/api/customers/42/workorders", "")
			Expect(resp.StatusCode).To(Equal(http.StatusNotFound))
		})

		It("should return Not Found for notes on a missing customer", func() {
			resp := do("POST", "/api/customers/42/notes", `{"note":"hello"}`)
			Expect(resp.StatusCode).To(Equal(http.StatusNotFound))
		})

		It("should search customers", func() {
			db.customers[1] = &Customer{ID: 1, FirstName: "Ann", City: "Springfield"}
			db.customers[2] = &Customer{ID: 2, FirstName: "Mike", City: "Shelbyville"}

			resp := do("GET", "/api/customers?q=spring", "")
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			var customers []*Customer
			decode(resp, &customers)
			Expect(customers).To(HaveLen(1))
			Expect(customers[0].ID).To(Equal(int64(1)))
		})
	})

	Describe("work orders", func() {
		BeforeEach(func() {
			db.customers[3] = &Customer{ID: 3, FirstName: "Ann"}
		})

		It("should create a work order", func() {
			resp := do("POST", "/api/workorders", `{"customer_id":3,"scan_code":"WO-1","device_type":"Phone"}`)
			Expect(resp.StatusCode).To(Equal(http.StatusCreated))
			var created WorkOrder
			decode(resp, &created)
			Expect(created.Status).To(Equal(StatusOpen))
		})

		It("should list work orders", func() {
			db.workOrders[1] = &WorkOrder{ID: 1}
			resp := do("GET", "/api/workorders", "")
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			var workOrders []*WorkOrder
			decode(resp, &workOrders)
			Expect(workOrders).To(HaveLen(1))
		})

		It("should update a work order", func() {
			db.workOrders[1] = &WorkOrder{ID: 1, CustomerID: 3}
			resp := do("PUT", "/api/workorders/1", `{"customer_id":3,"status":"Closed"}`)
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			Expect(db.workOrders[1].Status).To(Equal(StatusClosed))
		})

		It("should delete a work order", func() {
			db.workOrders[1] = &WorkOrder{ID: 1}
			resp := do("DELETE", "/api/workorders/1", "")
			Expect(resp.StatusCode).To(Equal(http.StatusNoContent))
			Expect(db.workOrders).To(BeEmpty())
		})

		It("should return Not Found for a missing work order", func() {
			resp := do("GET", "/api/workorders/77", "")
			Expect(resp.StatusCode).To(Equal(http.StatusNotFound))
		})

		When("filters are given", func() {
			BeforeEach(func() {
				db.workOrders[1] = &WorkOrder{ID: 1, CustomerID: 3, Status: StatusOpen, Priority: "High", Technician: "Sam",
					CreatedAt: time.Date(2024, 2, 10, 12, 0, 0, 0, time.UTC)}
				db.workOrders[2] = &WorkOrder{ID: 2, CustomerID: 3, Status: StatusClosed, Priority: "High",
					CreatedAt: time.Date(2024, 2, 20, 12, 0, 0, 0, time.UTC)}
				db.workOrders[3] = &WorkOrder{ID: 3, Status: StatusOpen, Priority: "Low",
					CreatedAt: time.Date(2024, 2, 28, 12, 0, 0, 0, time.UTC)}
			})

			DescribeTable("narrows the list",
				func(query string, ids ...int64) {
					resp := do("GET", "/api/workorders?"+query, "")
					Expect(resp.StatusCode).To(Equal(http.StatusOK))
					var workOrders []*WorkOrder
					decode(resp, &workOrders)

					found := make([]int64, 0, len(workOrders))
					for _, w := range workOrders {
						found = append(found, w.ID)
					}
					Expect(found).To(Equal(ids))
				},
				Entry("status", "status=Open", int64(1), int64(3)),
				Entry("priority and status", "priority=high&status=closed", int64(2)),
				Entry("technician", "q=sam", int64(1)),
				Entry("customer", "customer_id=3", int64(1), int64(2)),
				Entry("date range", "since=2024-02-15&until=2024-02-20", int64(2)),
				Entry("RFC 3339 since", "since=2024-02-20T12:00:00Z", int64(2), int64(3)),
			)

			It("should reject a malformed date", func() {
				resp := do("GET", "/api/workorders?since=last+week", "")
				Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
			})

			It("should reject a malformed customer id", func() {
				resp := do("GET", "/api/workorders?customer_id=abc", "")
				Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
			})
		})
	})

	Describe("dashboard", func() {
		BeforeEach(func() {
			db.customers[3] = &Customer{ID: 3, FirstName: "Ann", CreatedAt: time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC)}
			db.workOrders[1] = &WorkOrder{ID: 1, CustomerID: 3, Status: StatusOverdue, CreatedAt: time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC)}
			db.workOrders[2] = &WorkOrder{ID: 2, CustomerID: 3, Status: StatusOpen, CreatedAt: time.Date(2024, 2, 29, 18, 0, 0, 0, time.UTC)}
		})

		It("should return metrics and notifications", func() {
			resp := do("GET", "/api/dashboard", "")
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			var dash Dashboard
			decode(resp, &dash)
			Expect(dash.WorkOrders).To(Equal(WorkOrderMetrics{Total: 2, Active: 2, New: 1}))
			Expect(dash.Customers).To(Equal(CustomerMetrics{Total: 1, New: 0}))
			Expect(dash.Recent).To(HaveLen(1))
			Expect(dash.Notifications).To(HaveLen(1))
			Expect(dash.Notifications[0].WorkOrderID).To(Equal(int64(1)))
		})
	})

	Describe("attachments", func() {
		BeforeEach(func() {
			db.workOrders[1] = &WorkOrder{ID: 1}
		})

		It("should upload, list and download a file", func() {
			resp := upload("/api/workorders/1/files", "intake.png", []byte("png-bytes"))
			Expect(resp.StatusCode).To(Equal(http.StatusCreated))
			var attachment Attachment
			decode(resp, &attachment)
			Expect(attachment.ContentType).To(Equal("image/png"))

			resp = do("GET", "/api/workorders/1/files", "")
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			var attachments []*Attachment
			decode(resp, &attachments)
			Expect(attachments).To(HaveLen(1))

			resp = do("GET", "/api/files/att-1", "")
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			Expect(resp.Header.Get("Content-Type")).To(Equal("image/png"))
			body, err := io.ReadAll(resp.Body)
			Expect(err).NotTo(HaveOccurred())
			Expect(body).To(Equal([]byte("png-bytes")))
		})

		It("should return Not Found for a missing file", func() {
			resp := do("GET", "/api/files/nope", "")
			Expect(resp.StatusCode).To(Equal(http.StatusNotFound))
		})
	})
})

var _ = DescribeTable("detectContentType",
	func(contentType, filename, expected string) {
		Expect(detectContentType(contentType, filename)).To(Equal(expected))
	},
	Entry("keeps a declared type", "image/jpeg", "x.png", "image/jpeg"),
	Entry("uses the extension for octet-stream", "application/octet-stream", "x.pdf", "application/pdf"),
	Entry("uses the extension when missing", "", "IMG_1.HEIC", "image/heic"),
	Entry("falls back to octet-stream", "", "x.bin", "application/octet-stream"),
)
