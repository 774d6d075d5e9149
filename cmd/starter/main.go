// Command starter submits one transfer to the transfer service.
//
//	starter [-url URL] [-ref ID] [-wait] [-timeout D] SENDER RECIPIENT AMOUNT
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/google/uuid"

	"money-transfer/internal/config"
	"money-transfer/internal/domain"
	"money-transfer/internal/httpapi"
)

func main() {
	cfg := config.LoadStarter()
	var (
		baseURL = flag.String("url", cfg.URL, "transfer service base URL (TRANSFER_URL)")
		ref     = flag.String("ref", "", "reference id (generated when empty)")
		wait    = flag.Bool("wait", false, "wait until the transfer finishes")
		timeout = flag.Duration("timeout", cfg.WaitTimeout, "how long -wait waits (TRANSFER_WAIT_TIMEOUT)")
	)
	flag.Parse()

	if flag.NArg() != 3 {
		fmt.Fprintln(os.Stderr, "usage: starter [-url URL] [-ref ID] [-wait] [-timeout D] SENDER RECIPIENT AMOUNT")
		os.Exit(2)
	}
	amount, err := strconv.ParseInt(flag.Arg(2), 10, 64)
	if err != nil || amount < 1 {
		fmt.Fprintln(os.Stderr, "AMOUNT must be a positive integer")
		os.Exit(2)
	}
	if *ref == "" {
		*ref = uuid.NewString()
	}

	req := domain.TransferRequest{
		Sender:      flag.Arg(0),
		Recipient:   flag.Arg(1),
		Amount:      amount,
		ReferenceID: *ref,
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	c := httpapi.NewTransferClient(*baseURL, nil)
	st, err := c.Submit(ctx, req)
	if err != nil {
		fmt.Fprintln(os.Stderr, "submit:", err)
		os.Exit(1)
	}
	fmt.Printf("transfer %s: %s\n", st.ReferenceID(), st.Status)

	if !*wait {
		return
	}
	st, err = c.Await(ctx, st.ReferenceID(), time.Second)
	if err != nil {
		fmt.Fprintln(os.Stderr, "wait:", err)
		os.Exit(1)
	}
	if st.Status == domain.SagaFailed {
		fmt.Fprintf(os.Stderr, "transfer %s failed: %s\n", st.ReferenceID(), st.Error)
		os.Exit(1)
	}
	fmt.Printf("transfer %s completed: %s\n", st.ReferenceID(), st.Confirmation)
}
