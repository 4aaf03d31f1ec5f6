// Package seed builds the demo directory and a day of sample field work.
package seed

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"fieldcrm/internal/domain"
	"fieldcrm/internal/engine/auth"
	"fieldcrm/internal/store"
)

// Account is a demo sign-in.
type Account struct {
	Name     string
	Email    string
	Password string
	Role     domain.Role
	Phone    string
}

var Accounts = []Account{
	{Name: "Admin User", Email: "admin@crm.com", Password: "admin123", Role: domain.RoleAdmin, Phone: "+91-9876543210"},
	{Name: "Rajesh Kumar", Email: "rajesh@crm.com", Password: "sales123", Role: domain.RoleSales, Phone: "+91-9876543211"},
	{Name: "Priya Sharma", Email: "priya@crm.com", Password: "sales123", Role: domain.RoleSales, Phone: "+91-9876543212"},
	{Name: "Amit Singh", Email: "amit@crm.com", Password: "sales123", Role: domain.RoleSales, Phone: "+91-9876543213"},
	{Name: "Sneha Patel", Email: "sneha@crm.com", Password: "sales123", Role: domain.RoleSales, Phone: "+91-9876543214"},
}

// ID derives a stable id so reseeding keeps references intact.
func ID(kind string, n int) string {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(fmt.Sprintf("fieldcrm|%s|%d", kind, n))).String()
}

func userID(n int) string    { return ID("user", n) }
func companyID(n int) string { return ID("company", n) }
func taskID(n int) string    { return ID("task", n) }

func ptr[T any](v T) *T { return &v }

// Snapshot returns the demo data with dates placed around now in loc.
func Snapshot(now time.Time, loc *time.Location) store.Snapshot {
	if loc == nil {
		loc = time.Local
	}
	local := now.In(loc)
	at := func(days, hour, minute int) time.Time {
		d := local.AddDate(0, 0, days)
		return time.Date(d.Year(), d.Month(), d.Day(), hour, minute, 0, 0, loc).UTC()
	}
	ago := func(d time.Duration) time.Time { return now.Add(-d).UTC() }

	var snap store.Snapshot
	for i, a := range Accounts {
		snap.Users = append(snap.Users, domain.User{
			ID:        userID(i + 1),
			Name:      a.Name,
			Role:      a.Role,
			Phone:     a.Phone,
			Email:     a.Email,
			IsActive:  true,
			CreatedAt: ago(30 * 24 * time.Hour),
		})
	}

	companies := []domain.Company{
		{
			Name:    "Tech Solutions Pvt Ltd",
			Address: domain.Address{Line1: "123 Business Park, Sector 18", City: "Gurgaon", State: "Haryana", Pincode: "122015"},
			Contacts: []domain.Contact{
				{Name: "Vikram Gupta", Role: "CEO", Phone: "+91-9876543220", Email: "vikram@techsolutions.com"},
				{Name: "Neha Agarwal", Role: "CTO", Phone: "+91-9876543221", Email: "neha@techsolutions.com"},
			},
			Notes: "High-value client, interested in enterprise solutions",
		},
		{
			Name:     "Global Manufacturing Co",
			Address:  domain.Address{Line1: "456 Industrial Area, Phase 2", City: "Pune", State: "Maharashtra", Pincode: "411019"},
			Contacts: []domain.Contact{{Name: "Ravi Mehta", Role: "Operations Manager", Phone: "+91-9876543222", Email: "ravi@globalmanuf.com"}},
			Notes:    "Manufacturing client, needs inventory management system",
		},
		{
			Name:     "Retail Chain Ltd",
			Address:  domain.Address{Line1: "789 Commercial Complex", City: "Mumbai", State: "Maharashtra", Pincode: "400001"},
			Contacts: []domain.Contact{{Name: "Sunita Joshi", Role: "Store Manager", Phone: "+91-9876543223", Email: "sunita@retailchain.com"}},
		},
		{
			Name:     "Healthcare Systems",
			Address:  domain.Address{Line1: "321 Medical District", City: "Bangalore", State: "Karnataka", Pincode: "560001"},
			Contacts: []domain.Contact{{Name: "Dr. Arjun Rao", Role: "Director", Phone: "+91-9876543224", Email: "arjun@healthcare.com"}},
		},
		{
			Name:     "Education Institute",
			Address:  domain.Address{Line1: "654 University Road", City: "Delhi", State: "Delhi", Pincode: "110001"},
			Contacts: []domain.Contact{{Name: "Prof. Meera Sharma", Role: "Principal", Phone: "+91-9876543225", Email: "meera@education.com"}},
		},
	}
	contact := 0
	for i := range companies {
		c := &companies[i]
		c.ID = companyID(i + 1)
		for j := range c.Contacts {
			contact++
			c.Contacts[j].ID = ID("contact", contact)
		}
		c.CreatedAt = ago(14 * 24 * time.Hour)
		c.UpdatedAt = c.CreatedAt
	}
	snap.Companies = companies

	admin := userID(1)
	snap.Tasks = []domain.Task{
		{
			ID: taskID(1), CompanyID: companyID(1), SalespersonID: userID(2), AssignedByAdminID: admin,
			DueAt:       at(0, 10, 0),
			ContactHint: &domain.ContactHint{Name: "Vikram Gupta", Role: "CEO", Phone: "+91-9876543220"},
			Through:     ptr("LinkedIn connection"),
			Notes:       ptr("Demo of enterprise CRM features"),
			Status:      domain.StatusCompleted,
			CreatedAt:   ago(24 * time.Hour), UpdatedAt: ago(time.Hour),
		},
		{
			ID: taskID(2), CompanyID: companyID(2), SalespersonID: userID(3), AssignedByAdminID: admin,
			DueAt:       at(0, 14, 30),
			ContactHint: &domain.ContactHint{Name: "Ravi Mehta", Role: "Operations Manager"},
			Notes:       ptr("Follow-up on inventory management requirements"),
			Status:      domain.StatusInProgress,
			CreatedAt:   ago(24 * time.Hour), UpdatedAt: ago(time.Hour),
		},
		{
			ID: taskID(3), CompanyID: companyID(3), SalespersonID: userID(4), AssignedByAdminID: admin,
			DueAt:     at(0, 16, 0),
			Notes:     ptr("Initial meeting to understand retail requirements"),
			Status:    domain.StatusAssigned,
			CreatedAt: ago(0), UpdatedAt: ago(0),
		},
		{
			ID: taskID(4), CompanyID: companyID(4), SalespersonID: userID(2), AssignedByAdminID: admin,
			DueAt:       at(1, 11, 0),
			ContactHint: &domain.ContactHint{Name: "Dr. Arjun Rao", Role: "Director"},
			Notes:       ptr("Healthcare CRM solution presentation"),
			Status:      domain.StatusAssigned,
			CreatedAt:   ago(0), UpdatedAt: ago(0),
		},
		{
			ID: taskID(5), CompanyID: companyID(5), SalespersonID: userID(5), AssignedByAdminID: admin,
			DueAt:     at(-2, 15, 0),
			Notes:     ptr("Education sector CRM requirements gathering"),
			Status:    domain.StatusCompleted,
			CreatedAt: ago(3 * 24 * time.Hour), UpdatedAt: at(-2, 17, 0),
		},
	}

	snap.VisitReports = []domain.VisitReport{
		{
			ID: ID("report", 1), TaskID: taskID(1), SalespersonID: userID(2), CompanyID: companyID(1),
			CheckIn:        &domain.Checkpoint{At: ago(2 * time.Hour), GPS: &domain.GPS{Lat: 28.4595, Lng: 77.0266, Accuracy: 10, Timestamp: ago(2 * time.Hour)}},
			CheckOut:       &domain.Checkpoint{At: ago(time.Hour), GPS: &domain.GPS{Lat: 28.4595, Lng: 77.0266, Accuracy: 8, Timestamp: ago(time.Hour)}},
			ActualContact:  &domain.ActualContact{Name: "Vikram Gupta", Designation: "CEO", Phone: "+91-9876543220", Email: "vikram@techsolutions.com"},
			Outcome:        ptr(domain.OutcomeClosedWin),
			OrderValue:     ptr(500000.0),
			Notes:          ptr("Successful demo. Client agreed to enterprise package. Contract to be signed next week."),
			NextFollowUpAt: ptr(now.AddDate(0, 0, 7).UTC()),
			VisitDuration:  ptr(60),
			SubmittedAt:    ago(time.Hour),
		},
		{
			ID: ID("report", 2), TaskID: taskID(5), SalespersonID: userID(5), CompanyID: companyID(5),
			CheckIn:        &domain.Checkpoint{At: at(-2, 15, 0), GPS: &domain.GPS{Lat: 28.6139, Lng: 77.209, Accuracy: 12, Timestamp: at(-2, 15, 0)}},
			CheckOut:       &domain.Checkpoint{At: at(-2, 16, 30), GPS: &domain.GPS{Lat: 28.6139, Lng: 77.209, Accuracy: 15, Timestamp: at(-2, 16, 30)}},
			ActualContact:  &domain.ActualContact{Name: "Prof. Meera Sharma", Designation: "Principal"},
			Outcome:        ptr(domain.OutcomeFollowUp),
			Notes:          ptr("Good initial meeting. Need to prepare detailed proposal for student management system."),
			NextFollowUpAt: ptr(now.AddDate(0, 0, 3).UTC()),
			VisitDuration:  ptr(90),
			SubmittedAt:    at(-2, 17, 0),
		},
		{
			// The in-progress visit keeps its open report.
			ID: ID("report", 3), TaskID: taskID(2), SalespersonID: userID(3), CompanyID: companyID(2),
			CheckIn:     &domain.Checkpoint{At: ago(time.Hour), GPS: &domain.GPS{Lat: 18.5204, Lng: 73.8567, Accuracy: 20, Timestamp: ago(time.Hour)}},
			SubmittedAt: ago(time.Hour),
		},
	}
	return snap
}

// Load writes the demo data and credentials. Existing data is kept unless
// reset is set; the return value reports whether anything was written.
func Load(ctx context.Context, st *store.Store, dir *auth.Directory, now time.Time, loc *time.Location, reset bool) (bool, error) {
	if !reset && len(st.Users()) > 0 {
		return false, nil
	}
	if err := st.Reset(ctx, Snapshot(now, loc)); err != nil {
		return false, fmt.Errorf("seed data: %w", err)
	}
	for i, a := range Accounts {
		if err := dir.SetPassword(ctx, userID(i+1), a.Password); err != nil {
			return false, fmt.Errorf("seed credentials for %s: %w", a.Email, err)
		}
	}
	return true, nil
}
