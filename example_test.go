package entstore_test

import (
	"context"
	"fmt"

	"github.com/likearthian/entstore"
)

type Product struct {
	entstore.DBTable `name:"products"`
	ID               int64   `db:"id,key auto"`
	Name             string  `db:"name"`
	Price            float64 `db:"price"`
}

type cheaperThan float64

func (c cheaperThan) Build() func(q entstore.Query[Product]) entstore.Query[Product] {
	return func(q entstore.Query[Product]) entstore.Query[Product] {
		return q.Where(entstore.Lt("Price", float64(c))).OrderBy("Price")
	}
}

func ExampleUnitOfWork() {
	ctx := context.Background()

	model := entstore.NewModel()
	if _, err := entstore.Register[Product](model); err != nil {
		panic(err)
	}

	session, err := entstore.NewSession(entstore.NewMemoryDriver(), model)
	if err != nil {
		panic(err)
	}

	uow, err := entstore.NewUnitOfWork(session)
	if err != nil {
		panic(err)
	}
	defer uow.Close()

	products, err := entstore.GetRepository[Product](uow)
	if err != nil {
		panic(err)
	}

	pen := &Product{Name: "pen", Price: 1.5}
	_ = products.AddRange(pen, &Product{Name: "book", Price: 12}, &Product{Name: "mug", Price: 6})
	if err := uow.SaveChanges(ctx); err != nil {
		panic(err)
	}
	fmt.Println("pen id:", pen.ID)

	q, _ := products.Query(cheaperThan(10))
	for p, err := range q.All(ctx) {
		if err != nil {
			panic(err)
		}
		fmt.Println(p.Name, p.Price)
	}

	// Output:
	// pen id: 1
	// pen 1.5
	// mug 6
}

func ExampleQueryOf() {
	ctx := context.Background()

	model := entstore.NewModel()
	if _, err := entstore.Register[Product](model); err != nil {
		panic(err)
	}

	session, _ := entstore.NewSession(entstore.NewMemoryDriver(), model)
	defer session.Close()

	for _, name := range []string{"pen", "pencil", "paper"} {
		_ = session.Add(&Product{Name: name})
	}

	q, _ := entstore.QueryOf[Product](session)
	n, err := q.Where(entstore.HasPrefix("Name", "pen")).Count(ctx)
	if err != nil {
		panic(err)
	}
	fmt.Println("staged matches:", n)

	// Output:
	// staged matches: 2
}
