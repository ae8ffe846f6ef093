// Package testutil holds fixtures shared by package tests.
package testutil

import (
	"path/filepath"
	"portmeter/internal/database"
	"portmeter/internal/models"
	"testing"

	"github.com/sirupsen/logrus/hooks/test"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// NewDB returns a migrated database in a temp dir that is removed with the test.
func NewDB(t testing.TB) *gorm.DB {
	t.Helper()
	log, _ := test.NewNullLogger()
	db, err := database.Open(filepath.Join(t.TempDir(), "test.db"), log)
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() {
		sqlDB, _ := db.DB()
		if sqlDB != nil {
			_ = sqlDB.Close()
		}
	})
	return db
}

// Must fails the test on a gorm error.
func Must(t testing.TB, tx *gorm.DB) {
	t.Helper()
	if tx.Error != nil {
		t.Fatalf("db: %v", tx.Error)
	}
}

// Fixture builds servers, ports and users in a test database.
type Fixture struct {
	t  testing.TB
	DB *gorm.DB
}

func NewFixture(t testing.TB) *Fixture {
	return &Fixture{t: t, DB: NewDB(t)}
}

func (f *Fixture) Server(name string) *models.Server {
	s := &models.Server{Name: name}
	Must(f.t, f.DB.Create(s))
	return s
}

func (f *Fixture) Port(server *models.Server, num int, cfg models.LimitConfig) *models.Port {
	p := &models.Port{ServerID: server.ID, Num: num}
	p.Config = datatypes.NewJSONType(cfg)
	Must(f.t, f.DB.Create(p))
	return p
}

func (f *Fixture) Usage(port *models.Port, u models.PortUsage) *models.PortUsage {
	u.PortID = port.ID
	Must(f.t, f.DB.Create(&u))
	return &u
}

func (f *Fixture) Rule(port *models.Port) *models.ForwardRule {
	r := &models.ForwardRule{PortID: port.ID, Method: "iptables", TargetNode: "10.0.0.2", TargetPort: 80}
	Must(f.t, f.DB.Create(r))
	return r
}

func (f *Fixture) User(email, notes string, active bool) *models.User {
	u := &models.User{Email: email, Notes: notes, IsActive: active}
	Must(f.t, f.DB.Create(u))
	return u
}

func (f *Fixture) Allow(server *models.Server, user *models.User, cfg models.LimitConfig, ports ...*models.Port) *models.ServerUser {
	su := &models.ServerUser{ServerID: server.ID, UserID: user.ID}
	su.Config = datatypes.NewJSONType(cfg)
	Must(f.t, f.DB.Create(su))
	for _, p := range ports {
		Must(f.t, f.DB.Create(&models.PortUser{PortID: p.ID, UserID: user.ID}))
	}
	return su
}

// Reload fetches a port with its usage, rule and allow list.
func (f *Fixture) Reload(port *models.Port) *models.Port {
	var p models.Port
	Must(f.t, f.DB.Preload("Usage").Preload("ForwardRule").Preload("AllowedUsers").First(&p, port.ID))
	return &p
}

func (f *Fixture) ReloadUser(user *models.User) *models.User {
	var u models.User
	Must(f.t, f.DB.First(&u, user.ID))
	return &u
}
