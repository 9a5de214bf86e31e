package digest_test

import (
	"fmt"

	"execfence/internal/digest"
)

func ExampleSumString() {
	fmt.Println(digest.SumString(""))
	fmt.Println(digest.SumString("a"))
	// Output:
	// cbf29ce484222325
	// af63dc4c8601ec8c
}
