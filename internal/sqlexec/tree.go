// Copyright (c) 2025 Seedfast
// Licensed under the MIT License. See LICENSE file in the project root for details.

package sqlexec

import (
	"strings"

	"github.com/auxten/postgresql-parser/pkg/sql/parser"
	"github.com/auxten/postgresql-parser/pkg/sql/sem/tree"
)

// fromTree builds a Statement from parsed statements. Only a single SELECT
// (plain, parenthesized or set operation) is accepted.
func fromTree(text string, stmts parser.Statements) (*Statement, error) {
	switch len(stmts) {
	case 0:
		return nil, forbidden("the generated statement is empty")
	case 1:
	default:
		return nil, forbidden("multiple statements are not allowed")
	}

	w := &treeWalker{st: newStatement(text)}
	switch n := any(stmts[0].AST).(type) {
	case *tree.Select:
		w.selectNode(n)
	case *tree.ParenSelect:
		w.selectNode(n.Select)
	default:
		return nil, forbidden("only SELECT statements are allowed, got %s", stmts[0].AST.StatementTag())
	}
	if w.err != nil {
		return nil, w.err
	}
	return w.st, nil
}

type treeWalker struct {
	st  *Statement
	err error
}

func (w *treeWalker) fail(err error) {
	if w.err == nil {
		w.err = err
	}
}

func (w *treeWalker) selectNode(s *tree.Select) {
	if s == nil {
		return
	}
	if s.With != nil {
		for _, cte := range s.With.CTEList {
			w.st.ctes[string(cte.Name.Alias)] = true
			w.st.opaque = true
			for _, col := range cte.Name.Cols {
				w.st.outputs[string(col)] = true
			}
			switch body := any(cte.Stmt).(type) {
			case *tree.Select:
				w.selectNode(body)
			case *tree.ParenSelect:
				w.selectNode(body.Select)
			default:
				w.fail(forbidden("%s is not a read-only operation", cte.Stmt.StatementTag()))
			}
		}
	}
	w.selectStatement(s.Select)
	for _, o := range s.OrderBy {
		if o != nil {
			w.expr(o.Expr)
		}
	}
	if s.Limit != nil {
		w.expr(s.Limit.Count)
		w.expr(s.Limit.Offset)
	}
}

func (w *treeWalker) selectStatement(s tree.SelectStatement) {
	switch n := any(s).(type) {
	case nil:
	case *tree.SelectClause:
		w.selectClause(n)
	case *tree.ParenSelect:
		w.selectNode(n.Select)
	case *tree.UnionClause:
		w.st.SetOperation = true
		w.selectNode(n.Left)
		w.selectNode(n.Right)
	case *tree.ValuesClause:
		for _, row := range n.Rows {
			for _, e := range row {
				w.expr(e)
			}
		}
	default:
		w.st.opaque = true
	}
}

func (w *treeWalker) selectClause(sc *tree.SelectClause) {
	for _, t := range sc.From.Tables {
		w.tableExpr(t)
	}
	for _, se := range sc.Exprs {
		w.expr(se.Expr)
		if se.As != "" {
			w.st.outputs[string(se.As)] = true
		}
	}
	for _, e := range sc.DistinctOn {
		w.expr(e)
	}
	if sc.Where != nil {
		w.expr(sc.Where.Expr)
	}
	for _, e := range sc.GroupBy {
		w.expr(e)
	}
	if sc.Having != nil {
		w.expr(sc.Having.Expr)
	}
	for _, def := range sc.Window {
		for _, e := range def.Partitions {
			w.expr(e)
		}
		for _, o := range def.OrderBy {
			w.expr(o.Expr)
		}
	}
}

func (w *treeWalker) tableExpr(t tree.TableExpr) {
	switch n := any(t).(type) {
	case *tree.AliasedTableExpr:
		w.source(n.Expr, string(n.As.Alias))
	case *tree.JoinTableExpr:
		w.tableExpr(n.Left)
		w.tableExpr(n.Right)
		switch cond := any(n.Cond).(type) {
		case *tree.OnJoinCond:
			w.expr(cond.Expr)
		case *tree.UsingJoinCond:
			for _, col := range cond.Cols {
				w.st.Columns = append(w.st.Columns, ColumnRef{Name: string(col)})
			}
		}
	case *tree.ParenTableExpr:
		w.tableExpr(n.Expr)
	default:
		w.source(t, "")
	}
}

func (w *treeWalker) source(t tree.TableExpr, alias string) {
	switch n := any(t).(type) {
	case *tree.TableName:
		ref := TableRef{Name: n.Table(), Alias: alias}
		if n.ExplicitSchema {
			ref.Schema = n.Schema()
		}
		w.st.addTable(ref)
	case *tree.Subquery:
		w.selectStatement(n.Select)
		w.st.addDerived(alias)
	case *tree.RowsFromExpr:
		for _, e := range n.Items {
			w.expr(e)
		}
		w.st.addDerived(alias)
	case *tree.AliasedTableExpr, *tree.JoinTableExpr, *tree.ParenTableExpr:
		w.tableExpr(t)
		if alias != "" {
			w.st.addDerived(alias)
		}
	default:
		w.st.addDerived(alias)
	}
}

func (w *treeWalker) expr(e tree.Expr) {
	if e == nil || w.err != nil {
		return
	}
	tree.WalkExpr(exprVisitor{w: w}, e)
}

// exprVisitor collects column references and checks calls. Subqueries are
// walked as statements.
type exprVisitor struct{ w *treeWalker }

func (v exprVisitor) VisitPre(expr tree.Expr) (bool, tree.Expr) {
	switch n := expr.(type) {
	case *tree.Subquery:
		v.w.selectStatement(n.Select)
		return false, expr
	case *tree.FuncExpr:
		v.w.call(n)
	case *tree.UnresolvedName:
		v.w.column(n)
		return false, expr
	}
	return true, expr
}

func (exprVisitor) VisitPost(expr tree.Expr) tree.Expr { return expr }

func (w *treeWalker) call(f *tree.FuncExpr) {
	name, ok := f.Func.FunctionReference.(*tree.UnresolvedName)
	if !ok {
		return
	}
	if fn := strings.ToUpper(name.Parts[0]); sideEffectFuncs[fn] {
		w.fail(forbidden("function %s has side effects", strings.ToLower(fn)))
	}
}

// column records a name reference. Parts are stored last component first.
func (w *treeWalker) column(n *tree.UnresolvedName) {
	var qual []string
	for i := n.NumParts - 1; i >= 1; i-- {
		qual = append(qual, n.Parts[i])
	}
	switch {
	case n.Star && len(qual) == 0:
	case n.Star:
		w.st.Columns = append(w.st.Columns, ColumnRef{Qualifier: strings.Join(qual, "."), Name: "*"})
	default:
		w.st.Columns = append(w.st.Columns, ColumnRef{Qualifier: strings.Join(qual, "."), Name: n.Parts[0]})
	}
}
