package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"catalog-assist/internal/apperror"
	"catalog-assist/internal/domain"
	"catalog-assist/internal/stream"
	"catalog-assist/internal/usecase"
)

type assistant interface {
	Ask(ctx context.Context, in usecase.AskInput) (domain.Answer, error)
	AskStreaming(ctx context.Context, in usecase.AskInput, onProgress stream.ProgressFunc) (domain.Answer, error)
	Search(ctx context.Context, in domain.SearchRequest) (domain.SearchResult, error)
	Suggest(ctx context.Context, query string) ([]string, error)
	RAGAnswer(ctx context.Context, query, productID string) (domain.RAGResult, error)
	ClearConversation(ctx context.Context, sessionID, productID string) error
	Healthy(ctx context.Context) error
}

type globalOptions struct {
	envFiles []string
	verbose  bool
}

type builder func(ctx context.Context, opts globalOptions) (assistant, func(), error)

type commands struct {
	build builder
	opts  *globalOptions
}

// run builds the service, calls fn and releases the service afterwards.
func (c *commands) run(cmd *cobra.Command, fn func(ctx context.Context, svc assistant) error) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	svc, closeFn, err := c.build(ctx, *c.opts)
	if err != nil {
		return err
	}
	if closeFn != nil {
		defer closeFn()
	}
	return describe(fn(ctx, svc))
}

func (c *commands) askCmd() *cobra.Command {
	var (
		productID string
		sessionID string
		pdfs      []string
		streaming bool
	)
	cmd := &cobra.Command{
		Use:   "ask QUESTION",
		Short: "Ask one question about a product",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			in := usecase.AskInput{
				SessionID: sessionID,
				ProductID: productID,
				Question:  strings.Join(args, " "),
				PDFRefs:   pdfs,
			}
			return c.run(cmd, func(ctx context.Context, svc assistant) error {
				return ask(ctx, svc, cmd.OutOrStdout(), in, streaming)
			})
		},
	}
	cmd.Flags().StringVarP(&productID, "product", "p", "", "product id")
	cmd.Flags().StringVar(&sessionID, "session", "", "session id to continue a conversation")
	cmd.Flags().StringSliceVar(&pdfs, "pdf", nil, "pdf reference to ground the answer (at most two)")
	cmd.Flags().BoolVar(&streaming, "stream", false, "print the answer as it arrives")
	_ = cmd.MarkFlagRequired("product")
	return cmd
}

func (c *commands) chatCmd() *cobra.Command {
	var productID string
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Hold a conversation about a product; /clear forgets it, /quit leaves",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.run(cmd, func(ctx context.Context, svc assistant) error {
				return chat(ctx, svc, cmd.InOrStdin(), cmd.OutOrStdout(), productID, usecase.NewSessionID())
			})
		},
	}
	cmd.Flags().StringVarP(&productID, "product", "p", "", "product id")
	_ = cmd.MarkFlagRequired("product")
	return cmd
}

func (c *commands) searchCmd() *cobra.Command {
	var (
		filters  []string
		facets   []string
		offset   int
		pageSize int
		orderBy  string
	)
	cmd := &cobra.Command{
		Use:   "search [QUERY]",
		Short: "Search the catalog",
		RunE: func(cmd *cobra.Command, args []string) error {
			clauses, err := parseFilters(filters)
			if err != nil {
				return err
			}
			req := domain.SearchRequest{
				Query:      strings.Join(args, " "),
				Filters:    clauses,
				Pagination: domain.Pagination{Offset: offset, PageSize: pageSize},
				OrderBy:    orderBy,
			}
			for _, f := range facets {
				req.Facets = append(req.Facets, domain.FacetSpec{Field: f})
			}
			return c.run(cmd, func(ctx context.Context, svc assistant) error {
				res, err := svc.Search(ctx, req)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), res)
			})
		},
	}
	cmd.Flags().StringArrayVarP(&filters, "filter", "f", nil, "field=value[,value] to restrict a field")
	cmd.Flags().StringSliceVar(&facets, "facet", nil, "field to return facet counts for")
	cmd.Flags().IntVar(&offset, "offset", 0, "result offset")
	cmd.Flags().IntVar(&pageSize, "page-size", 0, "results per page")
	cmd.Flags().StringVar(&orderBy, "order-by", "", "sort expression")
	return cmd
}

func (c *commands) ragCmd() *cobra.Command {
	var productID string
	cmd := &cobra.Command{
		Use:   "rag QUERY",
		Short: "Answer through the retrieval endpoint cascade",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.run(cmd, func(ctx context.Context, svc assistant) error {
				res, err := svc.RAGAnswer(ctx, strings.Join(args, " "), productID)
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), res.Answer)
				fmt.Fprintf(cmd.ErrOrStderr(), "(answered by %s)\n", res.UsedEndpoint)
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&productID, "product", "p", "", "product id")
	return cmd
}

func (c *commands) suggestCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "suggest PREFIX",
		Short: "Show typeahead completions",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.run(cmd, func(ctx context.Context, svc assistant) error {
				out, err := svc.Suggest(ctx, args[0])
				if err != nil {
					return err
				}
				for _, s := range out {
					fmt.Fprintln(cmd.OutOrStdout(), s)
				}
				return nil
			})
		},
	}
}

func (c *commands) clearCmd() *cobra.Command {
	var productID, sessionID string
	cmd := &cobra.Command{
		Use:   "clear",
		Short: "Forget the conversation for a session and product",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.run(cmd, func(ctx context.Context, svc assistant) error {
				return svc.ClearConversation(ctx, sessionID, productID)
			})
		},
	}
	cmd.Flags().StringVarP(&productID, "product", "p", "", "product id")
	cmd.Flags().StringVar(&sessionID, "session", "", "session id")
	_ = cmd.MarkFlagRequired("product")
	_ = cmd.MarkFlagRequired("session")
	return cmd
}

func (c *commands) healthCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Check that the platform is reachable",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.run(cmd, func(ctx context.Context, svc assistant) error {
				if err := svc.Healthy(ctx); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "ok")
				return nil
			})
		},
	}
}

func ask(ctx context.Context, svc assistant, out io.Writer, in usecase.AskInput, streaming bool) error {
	if !streaming {
		ans, err := svc.Ask(ctx, in)
		if err != nil {
			return err
		}
		fmt.Fprintln(out, ans.Text)
		return nil
	}

	printed := 0
	_, err := svc.AskStreaming(ctx, in, func(text string, final bool) {
		if len(text) > printed {
			fmt.Fprint(out, text[printed:])
			printed = len(text)
		}
		if final {
			fmt.Fprintln(out)
		}
	})
	if err != nil && printed > 0 {
		fmt.Fprintln(out)
	}
	return err
}

func chat(ctx context.Context, svc assistant, in io.Reader, out io.Writer, productID, sessionID string) error {
	scanner := bufio.NewScanner(in)
	for {
		fmt.Fprint(out, "> ")
		if !scanner.Scan() {
			fmt.Fprintln(out)
			return scanner.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		switch line {
		case "":
			continue
		case "/quit", "/exit":
			return nil
		case "/clear":
			if err := svc.ClearConversation(ctx, sessionID, productID); err != nil {
				return describe(err)
			}
			fmt.Fprintln(out, "(conversation cleared)")
			continue
		}

		err := ask(ctx, svc, out, usecase.AskInput{SessionID: sessionID, ProductID: productID, Question: line}, true)
		if err == nil {
			continue
		}
		if errors.Is(err, context.Canceled) || ctx.Err() != nil {
			return describe(err)
		}
		// a failed turn does not end the conversation
		fmt.Fprintln(out, describe(err))
	}
}

// parseFilters turns field=value[,value] flags into value clauses.
func parseFilters(raw []string) ([]domain.FilterClause, error) {
	var out []domain.FilterClause
	for _, f := range raw {
		field, values, ok := strings.Cut(f, "=")
		field = strings.TrimSpace(field)
		if !ok || field == "" {
			return nil, fmt.Errorf("filter %q: want field=value", f)
		}
		clause := domain.FilterClause{Field: field}
		for _, v := range strings.Split(values, ",") {
			if v = strings.TrimSpace(v); v != "" {
				clause.Values = append(clause.Values, v)
			}
		}
		if len(clause.Values) == 0 {
			return nil, fmt.Errorf("filter %q: no values", f)
		}
		out = append(out, clause)
	}
	return out, nil
}

// describe replaces a classified error with its user message, keeping the
// kind so scripts can tell failures apart.
func describe(err error) error {
	if err == nil {
		return nil
	}
	appErr := apperror.Classify(err)
	msg := appErr.UserMessage()
	if appErr.Kind == apperror.KindValidation && appErr.StatusCode == 0 && appErr.Err != nil {
		msg = appErr.Err.Error()
	}
	if appErr.Kind == apperror.KindUnknown {
		return err
	}
	return fmt.Errorf("%s (%s)", msg, appErr.Kind)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
