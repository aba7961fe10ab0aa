package shop

import (
	"errors"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("Service search and history", func() {
	var (
		db      *mockDB
		now     time.Time
		service *Service
	)

	BeforeEach(func() {
		db = newMockDB()
		now = time.Date(2024, 3, 1, 9, 30, 0, 0, time.UTC)
	})

	JustBeforeEach(func() {
		service = NewServiceWithDeps(db, nil, newMockStorage(), &fixedIDGenerator{id: "att-1"}, &fixedTimeSource{t: now})
	})

	Describe("SearchCustomers", func() {
		BeforeEach(func() {
			db.customers[1] = &Customer{ID: 1, FirstName: "Ann", LastName: "Lee", Phone: "555-123-4567", City: "Springfield"}
			db.customers[2] = &Customer{ID: 2, FirstName: "Mike", LastName: "McClure", Email: "mike@example.com", ZipCode: "62701"}
			db.customers[3] = &Customer{ID: 3, FirstName: "Anna", LastName: "Smith", Street: "12 Elm St"}
		})

		DescribeTable("matches the query against the customer fields",
			func(query string, ids ...int64) {
				customers, err := service.SearchCustomers(query)
				Expect(err).NotTo(HaveOccurred())

				if len(ids) == 0 {
					Expect(customers).To(BeEmpty())
					return
				}
				found := make([]int64, 0, len(customers))
				for _, c := range customers {
					found = append(found, c.ID)
				}
				Expect(found).To(Equal(ids))
			},
			Entry("empty query returns everyone", "", int64(1), int64(2), int64(3)),
			Entry("first name ignoring case", "ANN", int64(1), int64(3)),
			Entry("full name", "mike mcclure", int64(2)),
			Entry("city", "springfield", int64(1)),
			Entry("street", "elm", int64(3)),
			Entry("zip code", "627", int64(2)),
			Entry("email", "@example.com", int64(2)),
			Entry("formatted phone", "(555) 123", int64(1)),
			Entry("phone digits", "5551234567", int64(1)),
			Entry("no match", "zzz"),
		)

		When("listing fails", func() {
			BeforeEach(func() {
				db.listErr = errors.New("disk error")
			})

			It("returns the wrapped error", func() {
				_, err := service.SearchCustomers("ann")
				Expect(err).To(MatchError(ContainSubstring("listing customers: disk error")))
			})
		})
	})

	Describe("SearchWorkOrders", func() {
		BeforeEach(func() {
			db.workOrders[1] = &WorkOrder{ID: 1, CustomerID: 5, Status: StatusOpen, Priority: "High", Technician: "Sam", CreatedAt: now.Add(-72 * time.Hour)}
			db.workOrders[2] = &WorkOrder{ID: 2, CustomerID: 6, Status: StatusClosed, Priority: "Low", Notes: "replaced screen", CreatedAt: now.Add(-48 * time.Hour)}
			db.workOrders[3] = &WorkOrder{ID: 3, CustomerID: 5, Status: StatusInProgress, Priority: "High", DeviceType: "Laptop", CreatedAt: now.Add(-time.Hour)}
		})

		DescribeTable("applies every filter",
			func(filter WorkOrderFilter, ids ...int64) {
				workOrders, err := service.SearchWorkOrders(filter)
				Expect(err).NotTo(HaveOccurred())

				found := make([]int64, 0, len(workOrders))
				for _, w := range workOrders {
					found = append(found, w.ID)
				}
				Expect(found).To(Equal(ids))
			},
			Entry("no filter", WorkOrderFilter{}, int64(1), int64(2), int64(3)),
			Entry("status ignoring case", WorkOrderFilter{Status: "closed"}, int64(2)),
			Entry("priority", WorkOrderFilter{Priority: "High"}, int64(1), int64(3)),
			Entry("technician", WorkOrderFilter{Query: "sam"}, int64(1)),
			Entry("notes", WorkOrderFilter{Query: "Screen"}, int64(2)),
			Entry("device", WorkOrderFilter{Query: "laptop"}, int64(3)),
			Entry("customer", WorkOrderFilter{CustomerID: 5}, int64(1), int64(3)),
			Entry("since", WorkOrderFilter{Since: now.Add(-50 * time.Hour)}, int64(2), int64(3)),
			Entry("until", WorkOrderFilter{Until: now.Add(-48 * time.Hour)}, int64(1), int64(2)),
			Entry("combined", WorkOrderFilter{CustomerID: 5, Priority: "high", Since: now.Add(-2 * time.Hour)}, int64(3)),
		)
	})

	Describe("CustomerHistory", func() {
		BeforeEach(func() {
			db.customers[5] = &Customer{ID: 5, FirstName: "Ann"}
			db.workOrders[1] = &WorkOrder{ID: 1, CustomerID: 5, CreatedAt: now.Add(-72 * time.Hour)}
			db.workOrders[2] = &WorkOrder{ID: 2, CustomerID: 6, CreatedAt: now}
			db.workOrders[3] = &WorkOrder{ID: 3, CustomerID: 5, CreatedAt: now.Add(-time.Hour)}
		})

		It("should list the customer's work orders newest first", func() {
			workOrders, err := service.CustomerHistory(5)
			Expect(err).NotTo(HaveOccurred())
			Expect(workOrders).To(HaveLen(2))
			Expect(workOrders[0].ID).To(Equal(int64(3)))
			Expect(workOrders[1].ID).To(Equal(int64(1)))
		})

		It("returns ErrNotFound for an unknown customer", func() {
			_, err := service.CustomerHistory(99)
			Expect(err).To(MatchError(ErrNotFound))
		})
	})

	Describe("customer notes", func() {
		BeforeEach(func() {
			db.customers[5] = &Customer{ID: 5, FirstName: "Ann"}
		})

		It("should save a trimmed, dated note", func() {
			note, err := service.AddCustomerNote(5, "  called about pickup ")
			Expect(err).NotTo(HaveOccurred())
			Expect(note.ID).NotTo(BeZero())
			Expect(note.Note).To(Equal("called about pickup"))
			Expect(note.CreatedAt).To(Equal(now))
		})

		It("rejects an empty note", func() {
			_, err := service.AddCustomerNote(5, "   ")
			Expect(err).To(MatchError(ErrInvalid))
			Expect(db.notes).To(BeEmpty())
		})

		It("returns ErrNotFound for an unknown customer", func() {
			_, err := service.AddCustomerNote(99, "hello")
			Expect(err).To(MatchError(ErrNotFound))
		})

		It("should list notes newest first", func() {
			db.notes[10] = &CustomerNote{ID: 10, CustomerID: 5, Note: "first", CreatedAt: now.Add(-time.Hour)}
			db.notes[11] = &CustomerNote{ID: 11, CustomerID: 5, Note: "second", CreatedAt: now}
			db.notes[12] = &CustomerNote{ID: 12, CustomerID: 6, Note: "other", CreatedAt: now}

			notes, err := service.ListCustomerNotes(5)
			Expect(err).NotTo(HaveOccurred())
			Expect(notes).To(HaveLen(2))
			Expect(notes[0].Note).To(Equal("second"))
			Expect(notes[1].Note).To(Equal("first"))
		})

		It("should drop the notes with the customer", func() {
			db.notes[10] = &CustomerNote{ID: 10, CustomerID: 5, Note: "first"}
			Expect(service.DeleteCustomer(5)).To(Succeed())
			Expect(db.notes).To(BeEmpty())
		})
	})

	Describe("Dashboard", func() {
		var (
			dash *Dashboard
			err  error
		)

		BeforeEach(func() {
			db.customers[1] = &Customer{ID: 1, FirstName: "Ann", CreatedAt: now.Add(-72 * time.Hour)}
			db.customers[2] = &Customer{ID: 2, FirstName: "Mike", CreatedAt: now.Add(-time.Hour)}

			db.workOrders[1] = &WorkOrder{ID: 1, CustomerID: 1, Status: StatusClosed, CreatedAt: now.Add(-72 * time.Hour)}
			db.workOrders[2] = &WorkOrder{ID: 2, CustomerID: 1, Status: StatusPendingFollowUp, CreatedAt: now.Add(-48 * time.Hour)}
			db.workOrders[3] = &WorkOrder{ID: 3, CustomerID: 2, Status: StatusPendingFollowUp, CreatedAt: now.Add(-time.Hour)}
			db.workOrders[4] = &WorkOrder{ID: 4, CustomerID: 2, Status: StatusOverdue, CreatedAt: now.Add(-2 * time.Hour)}
			db.workOrders[5] = &WorkOrder{ID: 5, Status: StatusOpen, CreatedAt: now.Add(-30 * time.Minute)}
		})

		JustBeforeEach(func() {
			dash, err = service.Dashboard()
		})

		It("should count work orders", func() {
			Expect(err).NotTo(HaveOccurred())
			Expect(dash.WorkOrders).To(Equal(WorkOrderMetrics{Total: 5, Active: 4, New: 3}))
		})

		It("should count customers", func() {
			Expect(dash.Customers).To(Equal(CustomerMetrics{Total: 2, New: 1}))
		})

		It("should list the last day's work orders newest first", func() {
			ids := make([]int64, 0, len(dash.Recent))
			for _, w := range dash.Recent {
				ids = append(ids, w.ID)
			}
			Expect(ids).To(Equal([]int64{5, 3, 4}))
		})

		It("should flag overdue work orders and stale follow-ups", func() {
			Expect(dash.Notifications).To(HaveLen(2))
			Expect(dash.Notifications[0].WorkOrderID).To(Equal(int64(2)))
			Expect(dash.Notifications[0].Status).To(Equal(StatusPendingFollowUp))
			Expect(dash.Notifications[1].WorkOrderID).To(Equal(int64(4)))
			Expect(dash.Notifications[1].Message).To(ContainSubstring("overdue"))
		})

		When("listing fails", func() {
			BeforeEach(func() {
				db.listErr = errors.New("disk error")
			})

			It("returns the error", func() {
				Expect(err).To(MatchError(ContainSubstring("disk error")))
				Expect(dash).To(BeNil())
			})
		})
	})
})
