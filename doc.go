// Package entstore is a generic data access layer over SQL databases,
// MongoDB and an in-memory store. The docstore subpackage adds Firestore.
//
// Entity types are registered in a Model, either from db struct tags:
//
//	type Customer struct {
//		entstore.DBTable `name:"customers"`
//		ID    int64  `db:"id,key auto"`
//		Name  string `db:"name,size=100"`
//		Email string `db:"email,allownull"`
//	}
//
//	m := entstore.NewModel()
//	entstore.Register[Customer](m)
//
// or from typed accessors with Define and Property. A Session over a Driver
// stages changes and reads them back on top of the stored rows. A Repository
// runs predicates and specifications for one entity type and refreshes the
// entities it added after each save. A UnitOfWork caches one repository per
// type and shares a single save and transaction boundary between them:
//
//	uow, _ := entstore.NewUnitOfWork(session)
//	customers, _ := entstore.GetRepository[Customer](uow)
//	customers.Add(&Customer{Name: "Ann"})
//	err := uow.SaveChanges(ctx)
//
// Predicates built from Eq, In, And and friends are pushed down to the store.
// Match wraps a Go function and is evaluated in memory.
package entstore
